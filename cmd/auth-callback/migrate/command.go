package migrate

import (
	"github.com/spf13/cobra"

	"github.com/openkcm/auth-callback/internal/business"
	"github.com/openkcm/auth-callback/internal/cmdutils"
)

func Cmd(buildInfo string) *cobra.Command {
	return cmdutils.CobraCommand(
		"migrate",
		"Auth Callback migrations",
		"Applies the session table migrations",
		buildInfo,
		cmdutils.RunAsJob,
		business.MigrateMain,
	)
}
