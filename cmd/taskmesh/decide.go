package main

import (
	"context"
	"fmt"

	"github.com/charmbracelet/huh"

	"github.com/star64ccs/CardStrategy-sub006/internal/syncer"
)

// promptDecision asks on the terminal how to settle a manual conflict.
func promptDecision(ctx context.Context, c syncer.Conflict) (syncer.Strategy, error) {
	choice := string(syncer.ServerWins)
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title(fmt.Sprintf("Conflict on %s", c.TaskID)).
				Description(describeConflict(c)),
			huh.NewSelect[string]().
				Key("strategy").
				Title("Keep which version?").
				Options(
					huh.NewOption("The hub's", string(syncer.ServerWins)),
					huh.NewOption("This device's", string(syncer.ClientWins)),
					huh.NewOption("Merge both", string(syncer.Merge)),
					huh.NewOption("The newest edit", string(syncer.TimestampBased)),
				).
				Value(&choice),
		),
	)
	if err := form.RunWithContext(ctx); err != nil {
		return "", err
	}
	return syncer.ParseStrategy(choice)
}

func describeConflict(c syncer.Conflict) string {
	return fmt.Sprintf("%s\nlocal:  v%d %s from %s at %s\nremote: v%d %s from %s at %s",
		c.Type,
		c.Local.Version, c.Local.Operation, c.Local.DeviceID, c.Local.Timestamp.Format("15:04:05"),
		c.Remote.Version, c.Remote.Operation, c.Remote.DeviceID, c.Remote.Timestamp.Format("15:04:05"))
}
