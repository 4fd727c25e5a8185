package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"

	"github.com/sudo-init-do/rewardgate/internal/config"
	"github.com/sudo-init-do/rewardgate/internal/db"
	"github.com/sudo-init-do/rewardgate/internal/logging"
	"github.com/sudo-init-do/rewardgate/internal/store"
)

func main() {
	userID := flag.String("user", "", "Telegram user id to promote")
	role := flag.String("role", string(store.RoleAdmin), "role to grant: player, reviewer or admin")
	flag.Parse()

	if *userID == "" {
		log.Fatalf("usage: go run ./cmd/adminutil/promote -user 123456789 -role reviewer")
	}
	r := store.Role(*role)
	switch r {
	case store.RolePlayer, store.RoleReviewer, store.RoleAdmin:
	default:
		log.Fatalf("unknown role %q", *role)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx := context.Background()
	pg, err := db.Open(ctx, cfg.Database, logging.Discard())
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer pg.Close()

	err = pg.WithTx(ctx, func(tx store.Tx) error {
		return tx.SetUserRole(ctx, *userID, r)
	})
	if errors.Is(err, store.ErrNotFound) {
		log.Fatalf("no user found with id %s; they must sign in once first", *userID)
	}
	if err != nil {
		log.Fatalf("failed to set role: %v", err)
	}

	fmt.Printf("User %s is now %s.\n", *userID, r)
}
