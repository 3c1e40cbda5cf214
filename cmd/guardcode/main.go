// Command guardcode prints login codes for an enrolled authenticator. Useful
// for logging in elsewhere without the phone.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"steamhelper/internal/config"
	"steamhelper/internal/guard"
	"steamhelper/internal/secrets"
)

func main() {
	log.SetFlags(0)

	maFile := flag.String("mafile", "", "authenticator maFile path")
	watch := flag.Bool("watch", false, "keep printing a fresh code every window")
	flag.Parse()

	if err := config.LoadEnv(); err != nil {
		log.Printf("[warn] %v", err)
	}
	path := *maFile
	if path == "" {
		path = os.Getenv("MAFILE_PATH")
	}
	if path == "" {
		log.Fatal("[fatal] -mafile or MAFILE_PATH required")
	}

	auth, err := load(path)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}

	for {
		code, err := guard.GenerateCode(auth.SharedSecret, time.Now())
		if err != nil {
			log.Fatalf("[fatal] %v", err)
		}
		fmt.Printf("%s  (valid %ds)\n", code.Value, int(time.Until(code.ValidUntil).Seconds()))
		if !*watch {
			return
		}
		time.Sleep(time.Until(code.ValidUntil))
	}
}

func load(path string) (*secrets.MobileAuth, error) {
	if pass := os.Getenv("MAFILE_PASSPHRASE"); pass != "" {
		return secrets.LoadEncrypted(path, pass)
	}
	return secrets.Load(path)
}
