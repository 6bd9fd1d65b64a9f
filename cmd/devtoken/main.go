// Command devtoken mints an access token accepted by the server, for local
// development against a running instance.  Production tokens come from the
// identity provider.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/iliyamo/rundown-sync/internal/utils"
)

func main() {
	_ = godotenv.Load()

	user := flag.String("user", "", "user id placed in the sub claim")
	role := flag.String("role", "EDITOR", "OWNER, EDITOR or VIEWER")
	ttl := flag.Int("ttl", 60, "lifetime in minutes")
	flag.Parse()

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		log.Fatal("JWT_SECRET is not set")
	}
	tok, err := utils.NewAccessToken(secret, *user, *role, *ttl)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(tok.Token)
}
