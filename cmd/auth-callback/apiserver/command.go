package apiserver

import (
	"github.com/spf13/cobra"

	"github.com/openkcm/auth-callback/internal/business"
	"github.com/openkcm/auth-callback/internal/cmdutils"
)

func Cmd(buildInfo string) *cobra.Command {
	return cmdutils.CobraCommand(
		"api-server",
		"Auth Callback API server",
		"Auth Callback API server serves the login and the authorization code callback endpoints",
		buildInfo,
		cmdutils.RunAsService,
		business.Main,
	)
}
