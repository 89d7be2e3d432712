package assets

import (
	"go.uber.org/fx"
)

var (
	Module = fx.Provide(
		NewStore,
	)
)
