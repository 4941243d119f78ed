// Command tools holds operator utilities: minting operator tokens, hashing
// the factory provisioning key, generating a sealing key and seeding a
// child account into a development database.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/uneseule/uneseule-backend/internal/auth"
	"github.com/uneseule/uneseule-backend/internal/config"
	"github.com/uneseule/uneseule-backend/internal/database"
	"github.com/uneseule/uneseule-backend/internal/models"
)

func usage() {
	fmt.Fprintln(os.Stderr, `usage: tools <command> [flags]

commands:
  operator-token     mint a parent or admin access token
  provisioning-hash  bcrypt hash of a factory provisioning key
  sealing-key        random key for security.sealing_key
  seed-child         insert a child and its subscription`)
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	var err error
	switch os.Args[1] {
	case "operator-token":
		err = operatorToken(os.Args[2:])
	case "provisioning-hash":
		err = provisioningHash(os.Args[2:])
	case "sealing-key":
		err = sealingKey()
	case "seed-child":
		err = seedChild(os.Args[2:])
	default:
		usage()
	}
	if err != nil {
		logrus.Fatal(err)
	}
}

func operatorToken(args []string) error {
	fs := flag.NewFlagSet("operator-token", flag.ExitOnError)
	userID := fs.String("user", "", "user id (random when empty)")
	email := fs.String("email", "ops@uneseule.local", "email claim")
	role := fs.String("role", models.RoleAdmin, "role claim: parent or admin")
	_ = fs.Parse(args)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Security.JWTSecret == "" {
		return fmt.Errorf("security.jwt_secret is not set")
	}

	id := uuid.New()
	if *userID != "" {
		if id, err = uuid.Parse(*userID); err != nil {
			return fmt.Errorf("invalid user id: %w", err)
		}
	}

	token, err := auth.NewJWTService(cfg.Security.JWTSecret, cfg.Security.JWTIssuer).GenerateOperatorToken(id, *email, *role)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func provisioningHash(args []string) error {
	fs := flag.NewFlagSet("provisioning-hash", flag.ExitOnError)
	key := fs.String("key", "", "provisioning key")
	_ = fs.Parse(args)

	if *key == "" {
		return fmt.Errorf("-key is required")
	}
	hash, err := auth.HashProvisioningKey(*key)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

func sealingKey() error {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return err
	}
	fmt.Println(hex.EncodeToString(key))
	return nil
}

func seedChild(args []string) error {
	fs := flag.NewFlagSet("seed-child", flag.ExitOnError)
	name := fs.String("name", "Mina", "child name")
	birth := fs.String("birth", "2020-03-01", "birth date (YYYY-MM-DD)")
	traits := fs.String("traits", "curious", "comma separated personality traits")
	tier := fs.String("tier", string(models.TierFree), "subscription tier")
	status := fs.String("status", string(models.StatusActive), "subscription status")
	_ = fs.Parse(args)

	birthDate, err := time.Parse("2006-01-02", *birth)
	if err != nil {
		return fmt.Errorf("invalid birth date: %w", err)
	}
	if !models.ValidTier(models.Tier(*tier)) {
		return fmt.Errorf("invalid tier %q", *tier)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	userID, childID := uuid.New(), uuid.New()

	tx, err := db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO subscriptions (user_id, plan_type, status, updated_at)
		VALUES ($1, $2, $3, NOW())
	`, userID, *tier, *status); err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO children (id, user_id, name, birth_date, personality_traits)
		VALUES ($1, $2, $3, $4, $5)
	`, childID, userID, *name, birthDate, pq.Array(strings.Split(*traits, ","))); err != nil {
		return fmt.Errorf("insert child: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	fmt.Printf("user_id=%s child_id=%s\n", userID, childID)
	return nil
}
