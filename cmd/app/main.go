package main

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/gameshelf/gameshelf-back/internal/assets"
	"github.com/gameshelf/gameshelf-back/internal/catalog"
	"github.com/gameshelf/gameshelf-back/internal/config"
	"github.com/gameshelf/gameshelf-back/internal/db"
	"github.com/gameshelf/gameshelf-back/internal/service"
	"github.com/gameshelf/gameshelf-back/internal/transport"
)

func main() {
	app := fx.New(
		fx.Provide(
			config.NewConfig,
			db.NewGormClient,
			func() (*zap.SugaredLogger, error) {
				l, err := zap.NewProduction()
				if err != nil {
					return nil, err
				}
				return l.Sugar(), nil
			},
		),
		catalog.Module,
		assets.Module,
		service.Module,
		transport.Module,
		fx.Invoke(func(server *transport.HTTPServer) {}),
	)

	app.Run()
}
