package devapi

import (
	"log"

	"github.com/pkg/errors"

	"github.com/EkeHanson/complete-lms-sub000/core"
	"github.com/EkeHanson/complete-lms-sub000/core/user"
	emailsvc "github.com/EkeHanson/complete-lms-sub000/services/email"
	"github.com/EkeHanson/complete-lms-sub000/storage/database"
	sqlxrepos "github.com/EkeHanson/complete-lms-sub000/storage/database/sqlx"
)

// NewDevServer returns a server over the seeded user store: Postgres when server.databaseURL is set,
// memory otherwise. Password reset mails are written to mailOutput unless SendGrid is configured.
func NewDevServer(conf *core.Config, mailOutput *log.Logger, logger core.Logger) (Server, error) {
	if logger == nil {
		logger = core.NopLogger{}
	}
	repo := user.NewMemoryRepository()
	var cleanup func() error
	if conf.Server.DatabaseURL != "" {
		db, err := database.Open(conf.Server.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err = database.Migrate(db); err != nil {
			_ = db.Close()
			return nil, err
		}
		repo = sqlxrepos.NewUserRepository(db)
		cleanup = db.Close
	}

	mailSvc := emailsvc.NewService(conf, mailOutput, logger)
	usrSvc := user.NewService(repo, mailSvc)
	if err := seed(usrSvc); err != nil {
		if cleanup != nil {
			_ = cleanup()
		}
		return nil, err
	}

	opts := NewOptions(conf, usrSvc, logger)
	opts.Cleanup = cleanup
	return NewServer(opts), nil
}

// seed creates the seed users in an empty store.
func seed(svc *user.Service) error {
	users, err := svc.QueryAll()
	if err != nil {
		return errors.Wrap(err, "querying users")
	}
	if len(users) > 0 {
		return nil
	}
	if _, err = user.Seed(svc, user.DefaultSeedPassword); err != nil {
		return errors.Wrap(err, "seeding users")
	}
	return nil
}
