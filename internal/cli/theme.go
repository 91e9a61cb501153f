package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nimiglory/cyra/internal/store"
)

const (
	themeLight = "light"
	themeDark  = "dark"
)

var themeCmd = &cobra.Command{
	Use:       "theme [light|dark|toggle]",
	Short:     "Show or set the preferred color theme",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{themeLight, themeDark, "toggle"},
	RunE:      runTheme,
}

func init() {
	rootCmd.AddCommand(themeCmd)
}

func runTheme(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	current, ok, err := a.store.Get(ctx, store.KeyTheme)
	if err != nil {
		return err
	}
	if !ok || (current != themeLight && current != themeDark) {
		current = themeLight
	}
	if len(args) == 0 {
		fmt.Fprintln(a.stdout, current)
		return nil
	}

	next := args[0]
	switch next {
	case themeLight, themeDark:
	case "toggle":
		next = themeDark
		if current == themeDark {
			next = themeLight
		}
	default:
		return fmt.Errorf("unknown theme %q (want light, dark or toggle)", next)
	}

	if err := a.store.Set(ctx, store.KeyTheme, next); err != nil {
		return fmt.Errorf("saving theme: %w", err)
	}
	fmt.Fprintln(a.stdout, next)
	return nil
}
