package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nimiglory/cyra/internal/auth"
)

var errNotSignedIn = errors.New("not signed in (run `cyra login` first)")

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and store credentials locally",
	Args:  cobra.NoArgs,
	RunE:  runLogin,
}

var signupCmd = &cobra.Command{
	Use:   "signup",
	Short: "Create an account and sign in",
	Args:  cobra.NoArgs,
	RunE:  runSignup,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget stored credentials and cached findings",
	Args:  cobra.NoArgs,
	RunE:  runLogout,
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed-in account",
	Args:  cobra.NoArgs,
	RunE:  runWhoami,
}

func init() {
	rootCmd.AddCommand(loginCmd, signupCmd, logoutCmd, whoamiCmd)

	for _, c := range []*cobra.Command{loginCmd, signupCmd} {
		c.Flags().String("email", "", "Account email")
		c.Flags().String("password", "", "Account password (read from stdin when omitted)")
	}
	signupCmd.Flags().String("username", "", "Display name")
}

// credentials reads --email and --password, prompting on stdin for a
// missing password. The email is validated before any request.
func credentials(cmd *cobra.Command) (string, string, error) {
	email, _ := cmd.Flags().GetString("email")
	password, _ := cmd.Flags().GetString("password")

	email = strings.TrimSpace(email)
	if email == "" {
		return "", "", errors.New("email is required (use --email)")
	}
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return "", "", fmt.Errorf("%q is not a valid email address", email)
	}

	if password == "" {
		fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", "", fmt.Errorf("reading password: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}
	if password == "" {
		return "", "", errors.New("password is required")
	}
	return email, password, nil
}

func runLogin(cmd *cobra.Command, args []string) error {
	email, password, err := credentials(cmd)
	if err != nil {
		return err
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	u, err := a.client.Login(cmd.Context(), email, password)
	if err != nil {
		return fmt.Errorf("login failed: %s", auth.UserMessage(err))
	}
	fmt.Fprintf(a.stdout, "[+] Signed in as %s\n", displayName(u))
	return nil
}

func runSignup(cmd *cobra.Command, args []string) error {
	email, password, err := credentials(cmd)
	if err != nil {
		return err
	}
	username, _ := cmd.Flags().GetString("username")

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	u, err := a.client.Signup(cmd.Context(), auth.SignupRequest{
		Email:    email,
		Password: password,
		Username: strings.TrimSpace(username),
	})
	if err != nil {
		return fmt.Errorf("signup failed: %s", auth.UserMessage(err))
	}
	fmt.Fprintf(a.stdout, "[+] Account created, signed in as %s\n", displayName(u))
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	// The profile names the cache entries to purge. Without it only the
	// credentials go.
	if _, err := a.client.Restore(ctx); err != nil {
		a.logger.Warn("could not load profile before logout", "error", err)
	}

	ctl := a.controller()
	defer ctl.Close()
	if err := ctl.Logout(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	fmt.Fprintln(a.stdout, "[+] Signed out")
	return nil
}

func runWhoami(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	u, err := a.requireUser(cmd.Context())
	if errors.Is(err, errNotSignedIn) {
		fmt.Fprintln(a.stdout, "Not signed in.")
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(a.stdout, "Email: %s\n", u.Email)
	if u.Username != "" {
		fmt.Fprintf(a.stdout, "Name:  %s\n", u.Username)
	}
	fmt.Fprintf(a.stdout, "ID:    %s\n", u.ID)
	return nil
}

func displayName(u *auth.User) string {
	if u.Username != "" {
		return fmt.Sprintf("%s <%s>", u.Username, u.Email)
	}
	return u.Email
}
