package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/angelmondragon/pantry-backend/pkg/auth"
	"github.com/angelmondragon/pantry-backend/pkg/config"
)

// admin-token prints a signed operator token for the admin API.
func main() {
	_ = godotenv.Load()

	subject := flag.String("subject", "", "operator id placed in the sub claim")
	email := flag.String("email", "", "operator email (optional)")
	ttl := flag.Duration("ttl", 0, "override PANTRY_ADMIN_TOKEN_TTL")
	flag.Parse()

	admin, err := config.LoadAdmin()
	if err != nil {
		exitf("load config: %v", err)
	}
	if *ttl > 0 {
		admin.TokenTTL = *ttl
	}

	token, err := auth.MintAdminToken(admin, time.Now().UTC(), auth.AdminTokenPayload{Subject: *subject, Email: *email})
	if err != nil {
		exitf("mint token: %v", err)
	}
	fmt.Println(token)
}

func exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
