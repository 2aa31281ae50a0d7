// Package wizard provides an interactive first-run setup for fuckshadows.
package wizard

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/orf53975/fuckshadows-go/internal/cipher"
	"github.com/orf53975/fuckshadows-go/internal/config"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
}

// Wizard manages the interactive setup process.
type Wizard struct {
	existingCfg *config.Config
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{}
}

// SetExisting loads cfg as defaults, so re-running the wizard edits instead
// of starting over.
func (w *Wizard) SetExisting(cfg *config.Config) {
	w.existingCfg = cfg
}

var (
	bannerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Padding(0, 2)

	subtitleStyle = lipgloss.NewStyle().
			Faint(true).
			Padding(0, 2)
)

// Run executes the interactive setup and returns the resulting config.
func (w *Wizard) Run(configPath string) (*Result, error) {
	fmt.Println(bannerStyle.Render("fuckshadows setup"))
	fmt.Println(subtitleStyle.Render("AEAD-encrypted transport proxy"))
	fmt.Println()

	cfg := config.Default()
	if w.existingCfg != nil {
		cfg = w.existingCfg
	}

	mode := string(cfg.Mode)
	serverAddr := cfg.Server.Address
	clientListen := cfg.Client.Listen
	method := cfg.Cipher.Method
	password := cfg.Cipher.Password
	udpEnabled := cfg.UDP.Enabled
	metricsEnabled := cfg.Metrics.Enabled
	metricsListen := cfg.Metrics.Listen

	methodOptions := make([]huh.Option[string], 0, len(cipher.Methods()))
	for _, name := range cipher.Methods() {
		methodOptions = append(methodOptions, huh.NewOption(name, name))
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Role").
				Description("client accepts SOCKS5 locally; server terminates encrypted streams").
				Options(
					huh.NewOption("client", string(config.ModeClient)),
					huh.NewOption("server", string(config.ModeServer)),
				).
				Value(&mode),

			huh.NewInput().
				Title("Remote address").
				Description("host:port the server binds, and the client dials").
				Validate(validateHostPort).
				Value(&serverAddr),
		),

		huh.NewGroup(
			huh.NewInput().
				Title("Local SOCKS5 listen address").
				Validate(validateHostPort).
				Value(&clientListen),
		).WithHideFunc(func() bool { return mode != string(config.ModeClient) }),

		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Cipher method").
				Options(methodOptions...).
				Value(&method),

			huh.NewInput().
				Title("Password").
				Description("leave empty to generate a random one").
				EchoMode(huh.EchoModePassword).
				Value(&password),

			huh.NewConfirm().
				Title("Enable UDP relay?").
				Value(&udpEnabled),
		),

		huh.NewGroup(
			huh.NewConfirm().
				Title("Expose Prometheus metrics?").
				Value(&metricsEnabled),

			huh.NewInput().
				Title("Metrics listen address").
				Validate(validateHostPort).
				Value(&metricsListen),
		),
	)

	if err := form.Run(); err != nil {
		return nil, fmt.Errorf("setup aborted: %w", err)
	}

	if password == "" {
		generated, err := generatePassword()
		if err != nil {
			return nil, err
		}
		password = generated
		fmt.Println(subtitleStyle.Render("generated password: " + password))
	}

	cfg.Mode = config.Mode(mode)
	cfg.Server.Address = serverAddr
	cfg.Client.Listen = clientListen
	cfg.Cipher.Method = method
	cfg.Cipher.Password = password
	cfg.UDP.Enabled = udpEnabled
	cfg.Metrics.Enabled = metricsEnabled
	cfg.Metrics.Listen = metricsListen

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("resulting config is invalid: %w", err)
	}

	data, err := cfg.Marshal()
	if err != nil {
		return nil, fmt.Errorf("render config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0o600); err != nil {
		return nil, fmt.Errorf("write config: %w", err)
	}

	fmt.Println(subtitleStyle.Render("configuration written to " + configPath))
	return &Result{Config: cfg, ConfigPath: configPath}, nil
}

// generatePassword returns a fresh 192-bit random password.
func generatePassword() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate password: %w", err)
	}
	return base64.RawStdEncoding.EncodeToString(raw), nil
}

func validateHostPort(addr string) error {
	if addr == "" {
		return fmt.Errorf("address is required")
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("want host:port")
	}
	if p, err := strconv.Atoi(port); err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("invalid port")
	}
	return nil
}
