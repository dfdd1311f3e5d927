// Command create-superadmin provisions a SuperAdmin account directly in the
// database. The role cannot be obtained through self-registration.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"

	"github.com/noah-isme/lms-auth-api/internal/repository"
	"github.com/noah-isme/lms-auth-api/internal/service"
	"github.com/noah-isme/lms-auth-api/pkg/config"
	"github.com/noah-isme/lms-auth-api/pkg/database"
	"github.com/noah-isme/lms-auth-api/pkg/logger"
	"github.com/noah-isme/lms-auth-api/pkg/password"
)

func main() {
	email := flag.String("email", "", "email address of the new SuperAdmin")
	name := flag.String("name", "", "full name of the new SuperAdmin")
	pass := flag.String("password", os.Getenv("SUPERADMIN_PASSWORD"), "initial password (defaults to $SUPERADMIN_PASSWORD)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.Open(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect database", "error", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if cfg.Database.AutoMigrate {
		if err := database.EnsureSchema(ctx, db); err != nil {
			logr.Sugar().Fatalw("failed to ensure schema", "error", err)
		}
	}

	users := repository.NewUserRepository(db)
	svc := service.NewUserService(users, repository.NewRefreshTokenRepository(db), password.NewHasher(cfg.Auth.BcryptCost), validator.New(), logr, clockwork.NewRealClock())

	user, err := svc.CreateSuperAdmin(ctx, service.CreateSuperAdminRequest{
		Email:    *email,
		FullName: *name,
		Password: *pass,
	})
	if err != nil {
		logr.Sugar().Fatalw("failed to create superadmin", "email", *email, "error", err)
	}
	logr.Sugar().Infow("superadmin created", "id", user.ID, "email", user.Email)
}
