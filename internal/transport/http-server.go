package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/gameshelf/gameshelf-back/internal/assets"
	"github.com/gameshelf/gameshelf-back/internal/catalog"
	"github.com/gameshelf/gameshelf-back/internal/config"
	"github.com/gameshelf/gameshelf-back/internal/db"
	"github.com/gameshelf/gameshelf-back/internal/service"
)

type (
	RegisterReq struct {
		Username string `json:"username" form:"username" validate:"required,min=2,max=20"`
		Email    string `json:"email" form:"email" validate:"required,email"`
		Password string `json:"password" form:"password" validate:"required"`
	}

	LoginReq struct {
		Username string `json:"username" form:"username" validate:"required"`
		Password string `json:"password" form:"password" validate:"required"`
	}

	ResetPasswordReq struct {
		Email string `json:"email" form:"email" validate:"required,email"`
	}

	PasswordChangeReq struct {
		CurrentPassword string `json:"current_password" form:"current_password" validate:"required"`
		NewPassword     string `json:"new_password" form:"new_password" validate:"required,min=6"`
	}

	DeleteAccountReq struct {
		Confirm string `json:"confirm" form:"confirm" validate:"required"`
	}

	ProfileReq struct {
		Email string `json:"email" form:"email" validate:"required,email"`
	}

	SettingsReq struct {
		Username string `json:"username" form:"username" validate:"required,min=2,max=20"`
		Email    string `json:"email" form:"email" validate:"required,email"`
	}

	GameAddReq struct {
		Title       string `json:"title" form:"title" validate:"required"`
		Platform    string `json:"platform" form:"platform" validate:"required"`
		ReleaseYear *int   `json:"release_year" form:"release_year" validate:"omitempty,min=1970,max=2100"`
		HoursPlayed int    `json:"hours_played" form:"hours_played" validate:"min=0"`
		Rating      *int   `json:"rating" form:"rating" validate:"omitempty,min=1,max=10"`
	}

	GameEditReq struct {
		Title       string `json:"title" form:"title"`
		Platform    string `json:"platform" form:"platform"`
		ReleaseYear *int   `json:"release_year" form:"release_year" validate:"omitempty,min=1970,max=2100"`
	}

	LinkUpdateReq struct {
		HoursPlayed int  `json:"hours_played" form:"hours_played" validate:"min=0"`
		Rating      *int `json:"rating" form:"rating" validate:"omitempty,min=1,max=10"`
	}

	// ImportReq round-trips a search result back in. Raw is the catalog's
	// untouched payload for the entry; it lands in the mirror row's Extra.
	ImportReq struct {
		ExternalID  int64                  `json:"external_id" validate:"required"`
		Title       string                 `json:"title" validate:"required"`
		ReleaseYear *int                   `json:"release_year"`
		CoverURL    *string                `json:"cover_url"`
		Platforms   []string               `json:"platforms"`
		Raw         map[string]interface{} `json:"raw"`
	}

	TokenResp struct {
		Token  string `json:"token"`
		Notice string `json:"notice,omitempty"`
	}

	LibraryEntryResp struct {
		GameID       uint64  `json:"game_id"`
		Title        string  `json:"title"`
		ReleaseYear  *int    `json:"release_year,omitempty"`
		Platform     string  `json:"platform,omitempty"`
		Cover        *string `json:"cover,omitempty"`
		ExternalID   *int64  `json:"external_id,omitempty"`
		HoursPlayed  int     `json:"hours_played"`
		Rating       *int    `json:"rating,omitempty"`
		ImportedFrom string  `json:"imported_from,omitempty"`
	}

	CatalogEntryResp struct {
		ExternalID  int64                  `json:"external_id"`
		Title       string                 `json:"title"`
		ReleaseYear *int                   `json:"release_year,omitempty"`
		CoverURL    *string                `json:"cover_url,omitempty"`
		Platforms   []string               `json:"platforms,omitempty"`
		Raw         map[string]interface{} `json:"raw,omitempty"`
	}

	SearchResp struct {
		Results []CatalogEntryResp `json:"results"`
		Warning string             `json:"warning,omitempty"`
	}

	HomeResp struct {
		Library []LibraryEntryResp `json:"library"`
		Popular []CatalogEntryResp `json:"popular,omitempty"`
		Warning string             `json:"warning,omitempty"`
	}

	UserResp struct {
		ID       uint64  `json:"id"`
		Username string  `json:"username"`
		Email    string  `json:"email"`
		Avatar   *string `json:"avatar,omitempty"`
		Notice   string  `json:"notice,omitempty"`
	}

	NoticeResp struct {
		Notice  string `json:"notice,omitempty"`
		Warning string `json:"warning,omitempty"`
	}

	CustomValidator struct {
		validator *validator.Validate
	}

	HTTPServer struct {
		db       *gorm.DB
		identity *service.Identity
		library  *service.Library
		assets   *assets.Store
		logger   *zap.SugaredLogger
	}
)

func NewHTTPServer(
	lc fx.Lifecycle,
	cfg *config.Config,
	db *gorm.DB,
	identity *service.Identity,
	library *service.Library,
	assetStore *assets.Store,
	logger *zap.SugaredLogger,
) *HTTPServer {
	e := echo.New()

	instance := HTTPServer{
		db:       db,
		identity: identity,
		library:  library,
		assets:   assetStore,
		logger:   logger,
	}

	e.POST("/auth/register", instance.Register)
	e.POST("/auth/login", instance.Login)
	e.POST("/auth/reset-password", instance.ResetPassword)

	e.GET("/home", instance.Home)

	libraryG := e.Group("/library")
	libraryG.GET("", instance.LibraryList)
	libraryG.POST("", instance.LibraryAdd)
	libraryG.POST("/import", instance.LibraryImport)
	libraryG.PATCH("/:gameID", instance.LinkUpdate)
	libraryG.DELETE("/:gameID", instance.LibraryRemove)

	e.GET("/catalog/search", instance.CatalogSearch)
	e.PATCH("/game/:id", instance.GameEdit)

	e.GET("/profile", instance.ProfileGet)
	e.PATCH("/profile", instance.ProfileUpdate)
	e.PATCH("/settings", instance.SettingsUpdate)
	e.POST("/settings/password", instance.PasswordChange)
	e.POST("/settings/delete", instance.AccountDelete)

	e.GET("/ping", func(c echo.Context) error { return c.String(http.StatusOK, "pong") })

	e.Use(middleware.CORS())
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.BodyDumpWithConfig(middleware.BodyDumpConfig{
		Handler: func(c echo.Context, reqBody, _ []byte) {
			if len(reqBody) == 0 {
				return
			}
			logger.Debugw("request body", "path", c.Path(), "body", string(censorBody(reqBody)))
		},
	}))

	e.Use(instance.AuthMiddleware)

	e.Validator = &CustomValidator{validator: validator.New()}

	echo.NotFoundHandler = func(c echo.Context) error {
		return c.NoContent(http.StatusNotFound)
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				listen := cfg.Host + ":" + cfg.Port
				if err := e.Start(listen); err != nil && err != http.ErrServerClosed {
					e.Logger.Fatal("shutting down the server")
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Stopping HTTP server.")
			return e.Shutdown(ctx)
		},
	})

	return &instance
}

func (s *HTTPServer) Register(c echo.Context) error {
	req := RegisterReq{}
	if err := BindAndValidate(c, &req); err != nil {
		return err
	}

	token, err := s.identity.Register(req.Username, req.Email, req.Password)
	if err != nil {
		return conditionResponse(c, err)
	}

	return c.JSON(http.StatusOK, TokenResp{Token: token, Notice: "account created"})
}

func (s *HTTPServer) Login(c echo.Context) error {
	req := LoginReq{}
	if err := BindAndValidate(c, &req); err != nil {
		return err
	}

	token, err := s.identity.Login(req.Username, req.Password)
	if err != nil {
		return conditionResponse(c, err)
	}

	return c.JSON(http.StatusOK, TokenResp{Token: token, Notice: "logged in"})
}

func (s *HTTPServer) ResetPassword(c echo.Context) error {
	req := ResetPasswordReq{}
	if err := BindAndValidate(c, &req); err != nil {
		return err
	}

	if err := s.identity.ResetPassword(req.Email); err != nil {
		return conditionResponse(c, err)
	}

	return c.JSON(http.StatusOK, NoticeResp{Notice: "password reset instructions sent"})
}

func (s *HTTPServer) Home(c echo.Context) error {
	user, err := GetUserFromContext(c)
	if err != nil {
		return err
	}

	page, err := s.library.Home(c.Request().Context(), user.ID)
	if err != nil {
		return err
	}

	resp := HomeResp{
		Library: libraryResp(page.Library),
		Popular: catalogResp(page.Popular),
	}
	if page.CatalogDown {
		resp.Warning = "could not load popular games, try again later"
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *HTTPServer) LibraryList(c echo.Context) error {
	user, err := GetUserFromContext(c)
	if err != nil {
		return err
	}

	entries, err := s.library.List(user.ID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, libraryResp(entries))
}

func (s *HTTPServer) LibraryAdd(c echo.Context) error {
	user, err := GetUserFromContext(c)
	if err != nil {
		return err
	}

	req := GameAddReq{}
	if err := BindAndValidate(c, &req); err != nil {
		return err
	}

	cover := s.saveUpload(c, "cover")

	link, err := s.library.AddManual(user.ID,
		service.GameInput{
			Title:       req.Title,
			Platform:    req.Platform,
			ReleaseYear: req.ReleaseYear,
			Cover:       cover,
		},
		service.LinkAttrs{
			HoursPlayed: req.HoursPlayed,
			Rating:      req.Rating,
		})
	if err != nil {
		return conditionResponse(c, err)
	}

	return c.JSON(http.StatusOK, LibraryEntryResp{
		GameID:       link.GameID,
		Title:        req.Title,
		ReleaseYear:  req.ReleaseYear,
		Platform:     req.Platform,
		Cover:        cover,
		HoursPlayed:  link.HoursPlayed,
		Rating:       link.Rating,
		ImportedFrom: link.ImportedFrom,
	})
}

func (s *HTTPServer) LibraryImport(c echo.Context) error {
	user, err := GetUserFromContext(c)
	if err != nil {
		return err
	}

	req := ImportReq{}
	if err := BindAndValidate(c, &req); err != nil {
		return err
	}

	entry := catalog.Entry{
		ExternalID:  req.ExternalID,
		Title:       req.Title,
		ReleaseYear: req.ReleaseYear,
		CoverURL:    req.CoverURL,
		Platforms:   req.Platforms,
		Raw:         req.Raw,
	}

	if _, err := s.library.Import(c.Request().Context(), user.ID, entry); err != nil {
		return conditionResponse(c, err)
	}

	return c.JSON(http.StatusOK, NoticeResp{Notice: "game imported to your library"})
}

func (s *HTTPServer) LinkUpdate(c echo.Context) error {
	gameID, err := GetAndParseParam(c, "gameID")
	if err != nil {
		return err
	}
	user, err := GetUserFromContext(c)
	if err != nil {
		return err
	}

	req := LinkUpdateReq{}
	if err := BindAndValidate(c, &req); err != nil {
		return err
	}

	link, err := s.library.UpdateLink(user.ID, gameID, service.LinkAttrs{
		HoursPlayed: req.HoursPlayed,
		Rating:      req.Rating,
	})
	if err != nil {
		return conditionResponse(c, err)
	}

	return c.JSON(http.StatusOK, LibraryEntryResp{
		GameID:       link.GameID,
		HoursPlayed:  link.HoursPlayed,
		Rating:       link.Rating,
		ImportedFrom: link.ImportedFrom,
	})
}

func (s *HTTPServer) LibraryRemove(c echo.Context) error {
	gameID, err := GetAndParseParam(c, "gameID")
	if err != nil {
		return err
	}
	user, err := GetUserFromContext(c)
	if err != nil {
		return err
	}

	if err := s.library.Remove(user.ID, gameID); err != nil {
		return conditionResponse(c, err)
	}

	return c.JSON(http.StatusOK, NoticeResp{Notice: "game removed from your library"})
}

func (s *HTTPServer) CatalogSearch(c echo.Context) error {
	if _, err := GetUserFromContext(c); err != nil {
		return err
	}

	query := c.QueryParam("query")
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}

	results, err := s.library.Search(c.Request().Context(), query, limit)
	if err != nil {
		if errors.Is(err, catalog.ErrUnavailable) {
			return c.JSON(http.StatusOK, SearchResp{
				Results: []CatalogEntryResp{},
				Warning: "could not search the catalog, try again later",
			})
		}
		return conditionResponse(c, err)
	}

	return c.JSON(http.StatusOK, SearchResp{Results: catalogResp(results)})
}

func (s *HTTPServer) GameEdit(c echo.Context) error {
	gameID, err := GetAndParseParam(c, "id")
	if err != nil {
		return err
	}
	user, err := GetUserFromContext(c)
	if err != nil {
		return err
	}

	req := GameEditReq{}
	if err := BindAndValidate(c, &req); err != nil {
		return err
	}

	cover := s.saveUpload(c, "cover")

	game, err := s.library.EditGame(user.ID, gameID, service.GameInput{
		Title:       req.Title,
		Platform:    req.Platform,
		ReleaseYear: req.ReleaseYear,
		Cover:       cover,
	})
	if err != nil {
		return conditionResponse(c, err)
	}

	return c.JSON(http.StatusOK, LibraryEntryResp{
		GameID:      game.ID,
		Title:       game.Title,
		ReleaseYear: game.ReleaseYear,
		Platform:    game.Platform,
		Cover:       game.Cover,
		ExternalID:  game.ExternalID,
	})
}

func (s *HTTPServer) ProfileGet(c echo.Context) error {
	user, err := GetUserFromContext(c)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, UserResp{
		ID:       user.ID,
		Username: user.Username,
		Email:    user.Email,
		Avatar:   user.Avatar,
	})
}

func (s *HTTPServer) ProfileUpdate(c echo.Context) error {
	user, err := GetUserFromContext(c)
	if err != nil {
		return err
	}

	req := ProfileReq{}
	if err := BindAndValidate(c, &req); err != nil {
		return err
	}

	avatar := s.saveUpload(c, "avatar")

	updated, err := s.identity.UpdateProfile(user.ID, req.Email, avatar)
	if err != nil {
		return conditionResponse(c, err)
	}

	return c.JSON(http.StatusOK, UserResp{
		ID:       updated.ID,
		Username: updated.Username,
		Email:    updated.Email,
		Avatar:   updated.Avatar,
		Notice:   "profile updated",
	})
}

func (s *HTTPServer) SettingsUpdate(c echo.Context) error {
	user, err := GetUserFromContext(c)
	if err != nil {
		return err
	}

	req := SettingsReq{}
	if err := BindAndValidate(c, &req); err != nil {
		return err
	}

	avatar := s.saveUpload(c, "avatar")

	updated, err := s.identity.UpdateSettings(user.ID, req.Username, req.Email, avatar)
	if err != nil {
		return conditionResponse(c, err)
	}

	return c.JSON(http.StatusOK, UserResp{
		ID:       updated.ID,
		Username: updated.Username,
		Email:    updated.Email,
		Avatar:   updated.Avatar,
		Notice:   "profile updated",
	})
}

func (s *HTTPServer) PasswordChange(c echo.Context) error {
	user, err := GetUserFromContext(c)
	if err != nil {
		return err
	}

	req := PasswordChangeReq{}
	if err := BindAndValidate(c, &req); err != nil {
		return err
	}

	if err := s.identity.ChangePassword(user.ID, req.CurrentPassword, req.NewPassword); err != nil {
		return conditionResponse(c, err)
	}

	return c.JSON(http.StatusOK, NoticeResp{Notice: "password changed"})
}

func (s *HTTPServer) AccountDelete(c echo.Context) error {
	user, err := GetUserFromContext(c)
	if err != nil {
		return err
	}

	req := DeleteAccountReq{}
	if err := BindAndValidate(c, &req); err != nil {
		return err
	}

	if err := s.identity.Delete(user.ID, req.Confirm); err != nil {
		return conditionResponse(c, err)
	}

	return c.JSON(http.StatusOK, NoticeResp{Notice: "account deleted"})
}

func (s *HTTPServer) AuthMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		switch c.Path() {
		case "/auth/register", "/auth/login", "/auth/reset-password", "/ping":
			return next(c)
		}
		token := ""
		for key, values := range c.Request().Header {
			if strings.ToLower(key) == "x-token" {
				token = values[0]
				break
			}
		}
		if token == "" {
			return c.NoContent(http.StatusUnauthorized)
		}
		user := db.User{}
		res := s.db.Where("token = ?", token).First(&user)
		if res.Error != nil {
			s.logger.Error(errors.Wrap(res.Error, "find user in db"))
			return c.NoContent(http.StatusUnauthorized)
		}

		c.Set("user", &user)
		return next(c)
	}
}

// saveUpload persists a multipart file if one was attached. Asset failures
// never abort the owning request; the caller proceeds without the reference.
func (s *HTTPServer) saveUpload(c echo.Context, field string) *string {
	fh, err := c.FormFile(field)
	if err != nil {
		return nil
	}

	f, err := fh.Open()
	if err != nil {
		s.logger.Warnw("upload open failed", "field", field, "error", err.Error())
		return nil
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		s.logger.Warnw("upload read failed", "field", field, "error", err.Error())
		return nil
	}

	ref, err := s.assets.Save(fh.Filename, data)
	if err != nil {
		s.logger.Warnw("upload not persisted, proceeding without it", "field", field)
		return nil
	}
	return &ref
}

// conditionResponse maps recoverable service conditions to flash-style
// responses. Nothing here becomes a 5xx.
func conditionResponse(c echo.Context, err error) error {
	switch {
	case service.IsValidation(err):
		return c.JSON(http.StatusBadRequest, NoticeResp{Warning: err.Error()})
	case errors.Is(err, service.ErrAlreadyLinked):
		return c.JSON(http.StatusOK, NoticeResp{Warning: "this game is already in your library"})
	case errors.Is(err, service.ErrLinkNotFound):
		return c.JSON(http.StatusOK, NoticeResp{Warning: "this game is not in your library"})
	case errors.Is(err, service.ErrUsernameTaken):
		return c.JSON(http.StatusConflict, NoticeResp{Warning: "this username is already taken"})
	case errors.Is(err, service.ErrEmailTaken):
		return c.JSON(http.StatusConflict, NoticeResp{Warning: "this email is already in use"})
	case errors.Is(err, service.ErrLoginUserNotFound),
		errors.Is(err, service.ErrLoginPasswordDoesNotMatch):
		return c.JSON(http.StatusUnauthorized, NoticeResp{Warning: "invalid username or password"})
	case errors.Is(err, service.ErrUserNotFound):
		return c.JSON(http.StatusOK, NoticeResp{Warning: "no account found for this address"})
	case errors.Is(err, service.ErrConfirmationMismatch):
		return c.JSON(http.StatusBadRequest, NoticeResp{Warning: "confirmation does not match, type DELETE"})
	case errors.Is(err, catalog.ErrUnavailable):
		return c.JSON(http.StatusOK, NoticeResp{Warning: "catalog is unavailable, try again later"})
	default:
		return err
	}
}

func libraryResp(entries []service.LibraryEntry) []LibraryEntryResp {
	resp := make([]LibraryEntryResp, len(entries))
	for i := range entries {
		resp[i] = LibraryEntryResp{
			GameID:       entries[i].GameID,
			Title:        entries[i].Title,
			ReleaseYear:  entries[i].ReleaseYear,
			Platform:     entries[i].Platform,
			Cover:        entries[i].Cover,
			ExternalID:   entries[i].ExternalID,
			HoursPlayed:  entries[i].HoursPlayed,
			Rating:       entries[i].Rating,
			ImportedFrom: entries[i].ImportedFrom,
		}
	}
	return resp
}

func catalogResp(entries []catalog.Entry) []CatalogEntryResp {
	resp := make([]CatalogEntryResp, len(entries))
	for i := range entries {
		resp[i] = CatalogEntryResp{
			ExternalID:  entries[i].ExternalID,
			Title:       entries[i].Title,
			ReleaseYear: entries[i].ReleaseYear,
			CoverURL:    entries[i].CoverURL,
			Platforms:   entries[i].Platforms,
			Raw:         entries[i].Raw,
		}
	}
	return resp
}

// censorBody redacts credential fields before a request body reaches the log.
func censorBody(b []byte) []byte {
	m := map[string]interface{}{}
	if err := json.Unmarshal(b, &m); err != nil {
		return b
	}
	for _, key := range []string{"password", "current_password", "new_password"} {
		if _, ok := m[key]; ok {
			m[key] = "$censored"
		}
	}
	out, err := json.Marshal(m)
	if err != nil {
		return b
	}
	return out
}

////////

func (cv *CustomValidator) Validate(i interface{}) error {
	if err := cv.validator.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

func BindAndValidate(c echo.Context, v interface{}) error {
	var err error
	if err = c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err = c.Validate(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

func GetUserFromContext(c echo.Context) (*db.User, error) {
	user, ok := c.Get("user").(*db.User)
	if !ok || user == nil {
		return nil, errors.New("no user found in context")
	}
	return user, nil
}

func GetParam(c echo.Context, name string) (string, error) {
	value := c.Param(name)
	if value == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "invalid path param '"+name+"'")
	}
	return value, nil
}

func GetAndParseParam(c echo.Context, name string) (uint64, error) {
	v, e := GetParam(c, name)
	if e != nil {
		return 0, e
	}
	vv, e := strconv.ParseUint(v, 10, 64)
	if e != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid path param '"+name+"'")
	}
	return vv, nil
}
