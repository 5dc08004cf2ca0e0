package housekeeper

import (
	"github.com/spf13/cobra"

	"github.com/openkcm/auth-callback/internal/business"
	"github.com/openkcm/auth-callback/internal/cmdutils"
)

func Cmd(buildInfo string) *cobra.Command {
	return cmdutils.CobraCommand(
		"housekeeper",
		"Auth Callback housekeeping job",
		"Auth Callback housekeeping job deletes expired sessions from the database",
		buildInfo,
		cmdutils.RunAsService,
		business.HousekeeperMain,
	)
}
