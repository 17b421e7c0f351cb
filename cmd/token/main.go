// Command token mints a bearer token for local development, signed with the
// configured JWT secret.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/phrazzld/taskflow/internal/config"
	"github.com/phrazzld/taskflow/internal/service/auth"
)

func main() {
	user := flag.String("user", "", "user id to embed in the token (default: a new random id)")
	flag.Parse()

	token, userID, err := mint(context.Background(), *user)
	if err != nil {
		fmt.Fprintf(os.Stderr, "token: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "user: %s\n", userID)
	fmt.Println(token)
}

func mint(ctx context.Context, user string) (string, uuid.UUID, error) {
	userID := uuid.New()
	if user != "" {
		id, err := uuid.Parse(user)
		if err != nil {
			return "", uuid.Nil, fmt.Errorf("invalid -user: %w", err)
		}
		userID = id
	}

	cfg, err := config.Load()
	if err != nil {
		return "", uuid.Nil, err
	}
	jwtService, err := auth.NewJWTService(cfg.Auth)
	if err != nil {
		return "", uuid.Nil, err
	}
	token, err := jwtService.GenerateToken(ctx, userID)
	if err != nil {
		return "", uuid.Nil, fmt.Errorf("generate token: %w", err)
	}
	return token, userID, nil
}
