package config

import (
	"flag"
	"os"
	"time"

	"github.com/opsapi/secretvault/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-d string   PostgreSQL DSN
//	-i int      PBKDF2 iterations for new vaults
//	-w int      max concurrent key derivations
//	-t int      session TTL, minutes
//	-s int      share-expiry sweep interval, minutes
//	-u string   S3 root user
//	-p string   S3 root password
//	-b string   S3 bucket name
//	-g string   S3 region
//	-e string   S3 base endpoint (e.g., "http://127.0.0.1:9000/")
//
// Arguments are first filtered with flagx.FilterArgs so this parser never
// collides with flags owned by other components. Duration flags are accepted
// as integer minutes.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-d", "-i", "-w", "-t", "-s", "-u", "-p", "-b", "-g", "-e"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.IntVar(&config.KDFIterations, "i", config.KDFIterations, "PBKDF2 iterations for new vaults")
	fs.Int64Var(&config.KDFMaxConcurrent, "w", config.KDFMaxConcurrent, "max concurrent key derivations")

	sessionTTL := fs.Int("t", int(config.SessionTTL.Minutes()), "session TTL (in minutes)")
	sweepInterval := fs.Int("s", int(config.SweepInterval.Minutes()), "sweep interval (in minutes)")

	fs.StringVar(&config.S3RootUser, "u", config.S3RootUser, "S3 root user")
	fs.StringVar(&config.S3RootPassword, "p", config.S3RootPassword, "S3 root password")
	fs.StringVar(&config.S3Bucket, "b", config.S3Bucket, "S3 bucket")
	fs.StringVar(&config.S3Region, "g", config.S3Region, "S3 region")
	fs.StringVar(&config.S3BaseEndpoint, "e", config.S3BaseEndpoint, "S3 base endpoint")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.SessionTTL = time.Duration(*sessionTTL) * time.Minute
	config.SweepInterval = time.Duration(*sweepInterval) * time.Minute
}
