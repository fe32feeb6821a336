package config

// BackupConfig selects where disbanded-team archives go.  S3 is used when
// S3Bucket is set, otherwise Dir.
type BackupConfig struct {
	Dir         string
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3Prefix    string
	S3AccessKey string
	S3SecretKey string
	S3PathStyle bool
}

// LoadBackupConfig reads BACKUP_* variables.
func LoadBackupConfig() BackupConfig {
	return BackupConfig{
		Dir:         envStr("BACKUP_DIR", "backups"),
		S3Bucket:    envStr("BACKUP_S3_BUCKET", ""),
		S3Region:    envStr("BACKUP_S3_REGION", "us-east-1"),
		S3Endpoint:  envStr("BACKUP_S3_ENDPOINT", ""),
		S3Prefix:    envStr("BACKUP_S3_PREFIX", ""),
		S3AccessKey: envStr("BACKUP_S3_ACCESS_KEY", ""),
		S3SecretKey: envStr("BACKUP_S3_SECRET_KEY", ""),
		S3PathStyle: envBool("BACKUP_S3_PATH_STYLE", false),
	}
}
