package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/gameshelf/gameshelf-back/internal/assets"
	"github.com/gameshelf/gameshelf-back/internal/catalog"
	"github.com/gameshelf/gameshelf-back/internal/db"
)

const (
	minReleaseYear = 1970
	maxReleaseYear = 2100
	minRating      = 1
	maxRating      = 10

	defaultSearchLimit = 10
	popularLimit       = 10
)

type (
	// GameInput carries the user-editable fields of a game row. Cover is a
	// reference already persisted through the asset store, never raw bytes.
	GameInput struct {
		Title       string
		Platform    string
		ReleaseYear *int
		Cover       *string
	}

	// LinkAttrs carries the per-user fields of an ownership link.
	LinkAttrs struct {
		HoursPlayed int
		Rating      *int
	}

	// LibraryEntry is one row of a user's library: the shared game plus the
	// user's own link attributes.
	LibraryEntry struct {
		LinkID       uint64
		GameID       uint64
		Title        string
		ReleaseYear  *int
		Platform     string
		Cover        *string
		ExternalID   *int64
		HoursPlayed  int
		Rating       *int
		ImportedFrom string
		UpdatedAt    time.Time
	}

	// HomePage is the landing view: the library when it has entries,
	// otherwise a best-effort popular list. CatalogDown marks the popular
	// fetch having failed; it is a warning, never an error.
	HomePage struct {
		Library     []LibraryEntry
		Popular     []catalog.Entry
		CatalogDown bool
	}

	Library struct {
		db      *gorm.DB
		catalog *catalog.Client
		assets  *assets.Store
		logger  *zap.SugaredLogger
	}
)

func NewLibrary(db *gorm.DB, c *catalog.Client, a *assets.Store, l *zap.SugaredLogger) *Library {
	return &Library{
		db:      db,
		catalog: c,
		assets:  a,
		logger:  l,
	}
}

// List returns the user's library in insertion order.
func (s *Library) List(userID uint64) ([]LibraryEntry, error) {
	sql, args, err := squirrel.
		Select(
			"ug.id AS link_id", "ug.game_id", "ug.hours_played", "ug.rating",
			"ug.imported_from", "ug.updated_at",
			"g.title", "g.release_year", "g.platform", "g.cover", "g.external_id",
		).
		From("user_games ug").
		Join("games g ON g.id = ug.game_id").
		Where(squirrel.Eq{"ug.user_id": userID}).
		OrderBy("ug.id").
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "build sql")
	}

	entries := make([]LibraryEntry, 0)
	res := s.db.Raw(sql, args...).Scan(&entries)
	if res.Error != nil {
		return nil, errors.Wrap(res.Error, "scan")
	}

	return entries, nil
}

// AddManual creates a fresh game row and links it. Manual entries are never
// deduplicated against the catalog: a home-brew or unlisted title is a
// legitimate thing to track.
func (s *Library) AddManual(userID uint64, game GameInput, attrs LinkAttrs) (*db.UserGame, error) {
	if err := validateGame(&game, true); err != nil {
		return nil, err
	}
	if err := validateAttrs(&attrs); err != nil {
		return nil, err
	}

	model := db.Game{
		Title:       game.Title,
		ReleaseYear: game.ReleaseYear,
		Platform:    game.Platform,
		Cover:       game.Cover,
	}
	if res := s.db.Create(&model); res.Error != nil {
		return nil, errors.Wrap(res.Error, "create game")
	}

	return s.link(userID, model.ID, attrs, db.ImportedFromManual)
}

// Search is a soft-failing passthrough to the catalog.
func (s *Library) Search(ctx context.Context, query string, limit int) ([]catalog.Entry, error) {
	if query == "" {
		return nil, validationErr("query", "is required")
	}
	if limit <= 0 || limit > 40 {
		limit = defaultSearchLimit
	}
	return s.catalog.Search(ctx, query, limit)
}

// Import links a catalog entry into the user's library, creating the local
// mirror row on first import. Re-importing the same external id reports
// ErrAlreadyLinked and leaves the library untouched.
func (s *Library) Import(ctx context.Context, userID uint64, entry catalog.Entry) (*db.UserGame, error) {
	if entry.ExternalID == 0 {
		return nil, validationErr("external_id", "is required")
	}
	if entry.Title == "" {
		return nil, validationErr("title", "is required")
	}

	game, err := s.findOrCreate(ctx, entry)
	if err != nil {
		return nil, err
	}

	return s.link(userID, game.ID, LinkAttrs{}, db.ImportedFromCatalog)
}

// findOrCreate is idempotent on the external id: repeated imports return the
// existing mirror row unchanged, so curated local edits survive. The cover
// fetch happens before the insert and never inside a store transaction. The
// unique index on external_id catches the race where two imports of the same
// id arrive together; the loser adopts the winner's row.
func (s *Library) findOrCreate(ctx context.Context, entry catalog.Entry) (*db.Game, error) {
	existing := db.Game{}
	res := s.db.Where("external_id = ?", entry.ExternalID).First(&existing)
	if res.Error == nil {
		return &existing, nil
	}
	if !errors.Is(res.Error, gorm.ErrRecordNotFound) {
		return nil, errors.Wrap(res.Error, "find game by external id")
	}

	var cover *string
	if entry.CoverURL != nil {
		if ref, err := s.assets.FetchRemote(ctx, *entry.CoverURL); err == nil {
			cover = &ref
		} else {
			s.logger.Warnw("cover fetch skipped", "external_id", entry.ExternalID)
		}
	}

	model := db.Game{
		Title:       entry.Title,
		ReleaseYear: entry.ReleaseYear,
		Cover:       cover,
		ExternalID:  &entry.ExternalID,
	}
	if len(entry.Platforms) != 0 {
		model.Platform = entry.Platforms[0]
	}
	if len(entry.Raw) != 0 {
		if raw, err := json.Marshal(entry.Raw); err == nil {
			extra := string(raw)
			model.Extra = &extra
		}
	}

	if res := s.db.Create(&model); res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			winner := db.Game{}
			if res := s.db.Where("external_id = ?", entry.ExternalID).First(&winner); res.Error != nil {
				return nil, errors.Wrap(res.Error, "refetch game by external id")
			}
			return &winner, nil
		}
		return nil, errors.Wrap(res.Error, "create game")
	}

	return &model, nil
}

// link enforces the one-link-per-pair invariant. The lookup gives the common
// case a friendly answer; the composite unique index catches the race where
// two requests for the same pair arrive together, and the loser sees
// ErrAlreadyLinked rather than a write conflict.
func (s *Library) link(userID, gameID uint64, attrs LinkAttrs, source string) (*db.UserGame, error) {
	existing := db.UserGame{}
	res := s.db.Where("user_id = ? AND game_id = ?", userID, gameID).First(&existing)
	if res.Error == nil {
		return nil, ErrAlreadyLinked
	}
	if !errors.Is(res.Error, gorm.ErrRecordNotFound) {
		return nil, errors.Wrap(res.Error, "find link")
	}

	model := db.UserGame{
		UserID:       userID,
		GameID:       gameID,
		HoursPlayed:  attrs.HoursPlayed,
		Rating:       attrs.Rating,
		ImportedFrom: source,
	}
	if res := s.db.Create(&model); res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return nil, ErrAlreadyLinked
		}
		return nil, errors.Wrap(res.Error, "create link")
	}

	return &model, nil
}

// UpdateLink mutates the per-user attributes only. The shared game row is
// reachable exclusively through EditGame.
func (s *Library) UpdateLink(userID, gameID uint64, attrs LinkAttrs) (*db.UserGame, error) {
	if err := validateAttrs(&attrs); err != nil {
		return nil, err
	}

	model := db.UserGame{}
	res := s.db.Where("user_id = ? AND game_id = ?", userID, gameID).First(&model)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrRecordNotFound) {
			return nil, ErrLinkNotFound
		}
		return nil, errors.Wrap(res.Error, "find link")
	}

	res = s.db.Model(&model).
		Select("hours_played", "rating").
		Updates(db.UserGame{HoursPlayed: attrs.HoursPlayed, Rating: attrs.Rating})
	if res.Error != nil {
		return nil, errors.Wrap(res.Error, "update link")
	}

	return &model, nil
}

// EditGame mutates the shared mirror row. Every owner of the game sees the
// change; the mirror is shared, not per-user. The caller must own a link to
// the game.
func (s *Library) EditGame(userID, gameID uint64, game GameInput) (*db.Game, error) {
	if err := validateGame(&game, false); err != nil {
		return nil, err
	}

	link := db.UserGame{}
	res := s.db.Where("user_id = ? AND game_id = ?", userID, gameID).First(&link)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrRecordNotFound) {
			return nil, ErrLinkNotFound
		}
		return nil, errors.Wrap(res.Error, "find link")
	}

	model := db.Game{}
	if res := s.db.First(&model, gameID); res.Error != nil {
		return nil, errors.Wrap(res.Error, "find game")
	}

	if game.Title != "" {
		model.Title = game.Title
	}
	if game.Platform != "" {
		model.Platform = game.Platform
	}
	if game.ReleaseYear != nil {
		model.ReleaseYear = game.ReleaseYear
	}
	if game.Cover != nil {
		model.Cover = game.Cover
	}

	if res := s.db.Save(&model); res.Error != nil {
		return nil, errors.Wrap(res.Error, "save game")
	}

	return &model, nil
}

// Remove unlinks the game from the user's library. The game row stays, even
// when this was its last link. A missing link is benign.
func (s *Library) Remove(userID, gameID uint64) error {
	res := s.db.Where("user_id = ? AND game_id = ?", userID, gameID).Delete(&db.UserGame{})
	if res.Error != nil {
		return errors.Wrap(res.Error, "delete link")
	}
	if res.RowsAffected == 0 {
		return ErrLinkNotFound
	}
	return nil
}

// Home assembles the landing page. The popular fallback is a UX nicety:
// fetched only for an empty library, empty itself when the catalog is down.
func (s *Library) Home(ctx context.Context, userID uint64) (*HomePage, error) {
	entries, err := s.List(userID)
	if err != nil {
		return nil, err
	}

	page := HomePage{Library: entries}
	if len(entries) != 0 {
		return &page, nil
	}

	popular, err := s.catalog.Popular(ctx, popularLimit)
	if err != nil {
		page.CatalogDown = true
		return &page, nil
	}
	page.Popular = popular
	return &page, nil
}

func validateGame(game *GameInput, require bool) error {
	if require && game.Title == "" {
		return validationErr("title", "is required")
	}
	if require && game.Platform == "" {
		return validationErr("platform", "is required")
	}
	if game.ReleaseYear != nil && (*game.ReleaseYear < minReleaseYear || *game.ReleaseYear > maxReleaseYear) {
		return validationErr("release_year", "must be between 1970 and 2100")
	}
	return nil
}

func validateAttrs(attrs *LinkAttrs) error {
	if attrs.HoursPlayed < 0 {
		return validationErr("hours_played", "must not be negative")
	}
	if attrs.Rating != nil && (*attrs.Rating < minRating || *attrs.Rating > maxRating) {
		return validationErr("rating", "must be between 1 and 10")
	}
	return nil
}
