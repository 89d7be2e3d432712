package db

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/gameshelf/gameshelf-back/internal/config"
)

const (
	ImportedFromManual  = "manual"
	ImportedFromCatalog = "catalog"
)

type (
	GormForkedModel struct {
		ID        uint64 `gorm:"primarykey"`
		CreatedAt time.Time
		UpdatedAt time.Time
	}

	User struct {
		GormForkedModel
		Username     string `gorm:"unique;not null"`
		Email        string `gorm:"unique;not null"`
		PasswordHash string `gorm:"not null"`
		Token        string `gorm:"not null"`
		Avatar       *string
		Links        []UserGame `gorm:"constraint:OnDelete:CASCADE"`
	}

	// Game is the catalog mirror row. It is shared: any number of UserGame
	// links may reference it, and it survives the deletion of its last link.
	// The unique index on ExternalID is the authoritative dedup guard for
	// imports; manual rows carry NULL there and are never deduplicated.
	Game struct {
		GormForkedModel
		Title       string `gorm:"not null;index"`
		ReleaseYear *int
		Platform    string
		Cover       *string
		Extra       *string `gorm:"type:text"`
		ExternalID  *int64  `gorm:"uniqueIndex"`
		Genres      []Genre `gorm:"many2many:game_genres;"`
	}

	// Genre is a schema-only extension point. Nothing populates it yet.
	Genre struct {
		GormForkedModel
		Name  string `gorm:"unique;not null;index"`
		Games []Game `gorm:"many2many:game_genres;"`
	}

	// UserGame is one user's ownership of one game. The composite unique
	// index is the authoritative duplicate guard: a second link attempt for
	// the same pair fails with a duplicate-key error, which the service layer
	// reports as an already-linked condition.
	UserGame struct {
		GormForkedModel
		UserID       uint64 `gorm:"not null;uniqueIndex:uidx_user_game"`
		User         User   `gorm:"constraint:OnDelete:CASCADE"`
		GameID       uint64 `gorm:"not null;uniqueIndex:uidx_user_game"`
		Game         Game   `gorm:"constraint:OnDelete:CASCADE"`
		HoursPlayed  int    `gorm:"not null;default:0"`
		Rating       *int
		ImportedFrom string
	}
)

func NewGormClient(cfg *config.Config) (*gorm.DB, error) {
	newLogger := logger.New(log.New(os.Stdout, "\r\n", log.LstdFlags), logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Info,
		Colorful:                  true,
		IgnoreRecordNotFoundError: false,
	})

	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort, cfg.DBSSLMode)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         newLogger,
		TranslateError: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect database")
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&User{}); err != nil {
		return errors.Wrap(err, "migrate user")
	}
	if err := db.AutoMigrate(&Game{}); err != nil {
		return errors.Wrap(err, "migrate game")
	}
	if err := db.AutoMigrate(&Genre{}); err != nil {
		return errors.Wrap(err, "migrate genre")
	}
	if err := db.AutoMigrate(&UserGame{}); err != nil {
		return errors.Wrap(err, "migrate user_game")
	}
	return nil
}
