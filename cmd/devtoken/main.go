// Command devtoken mints a bearer token for local testing against a server
// that shares the same JWT_SECRET.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/iliyamo/ticket-booking-core/internal/utils"
)

func main() {
	_ = godotenv.Load()

	userID := flag.Uint64("user", 1, "user id placed in the sub claim")
	role := flag.String("role", "CUSTOMER", "role claim (CUSTOMER or ADMIN)")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	secret := flag.String("secret", os.Getenv("JWT_SECRET"), "signing secret, defaults to $JWT_SECRET")
	flag.Parse()

	if *secret == "" {
		log.Fatal("devtoken: no secret; set JWT_SECRET or pass -secret")
	}
	tok, err := utils.NewAccessToken(*secret, *userID, *role, *ttl, time.Now())
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(tok.Token)
}
