package schedule

// Palette holds the patient display colors in preference order.
var Palette = []string{
	"#FF5733", "#33FF57", "#3357FF", "#FF33A1", "#33FFF2",
	"#FFC733", "#8E44AD", "#F39C12", "#1ABC9C", "#2ECC71",
}

// PickColor returns the first palette entry not in used.  Once the palette
// is exhausted it returns Palette[randIntn(len(Palette))].
func PickColor(used []string, randIntn func(int) int) string {
	taken := make(map[string]bool, len(used))
	for _, c := range used {
		taken[c] = true
	}
	for _, c := range Palette {
		if !taken[c] {
			return c
		}
	}
	return Palette[randIntn(len(Palette))]
}
