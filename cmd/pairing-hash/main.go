// Command pairing-hash prints the bcrypt hash to use as PAIRING_SECRET_HASH.
//
//	pairing-hash -cost 12 'shared secret'
package main

import (
	"flag"
	"fmt"
	"os"

	"golang.org/x/crypto/bcrypt"

	"github.com/iliyamo/regimen-sync/internal/utils"
)

func main() {
	cost := flag.Int("cost", bcrypt.DefaultCost, "bcrypt cost")
	flag.Parse()
	if flag.NArg() != 1 || flag.Arg(0) == "" {
		fmt.Fprintln(os.Stderr, "usage: pairing-hash [-cost N] <secret>")
		os.Exit(2)
	}
	hash, err := utils.HashSecret(flag.Arg(0), *cost)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(hash)
}
