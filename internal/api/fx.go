// Package api is the HTTP surface of crnwatch: adding courses by CRN, manual
// refresh and section status for the UI.
//
// Users are identified by the path; authentication happens in front of it.
package api

import (
	"go.uber.org/fx"
)

var Module = fx.Module("api",
	fx.Provide(
		NewServer,
	),
)
