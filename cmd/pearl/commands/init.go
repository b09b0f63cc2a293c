package commands

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/pearlops/pearld/internal/config"
	"github.com/pearlops/pearld/internal/registry"
	"github.com/pearlops/pearld/pkg/types"
)

var initNonInteractive bool

func NewInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactive setup wizard",
		Long: `Set up pearld with a guided wizard.

Walks you through:
  1. Choose the chains to watch and their RPC endpoints
  2. Pick the staking program and service to track
  3. Optionally pin wallet addresses (the middleware provides the rest)

Use Shift+Tab or arrow keys to go back to previous steps.
Press Ctrl+C at any time to cancel without making changes.

Creates: ~/.pearl/config.yaml

For non-interactive setup (CI/CD), use: pearl init --non-interactive`,
		RunE: runInit,
	}

	cmd.Flags().BoolVar(&initNonInteractive, "non-interactive", false, "Write the default config without prompting")

	return cmd
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath := GetConfigPath()

	if initNonInteractive || !isTTY() {
		return writeDefaultConfig(configPath)
	}

	fmt.Println()
	fmt.Println(StatusBox(Logo()+" Setup", [][2]string{
		{"", "Welcome! Let's configure the aggregation daemon."},
		{"", "Use Shift+Tab to go back, Ctrl+C to cancel."},
	}))
	fmt.Println()

	_, existingConfigErr := os.Stat(configPath)
	hasExistingConfig := existingConfigErr == nil

	programs := registry.NewProgramRegistry()
	var programOptions []huh.Option[string]
	for _, meta := range programs.All() {
		if meta.Deprecated {
			continue
		}
		label := fmt.Sprintf("%s (%s)", meta.Name, meta.ID)
		programOptions = append(programOptions, huh.NewOption(label, string(meta.ID)))
	}

	// Form values
	var (
		selectedChains []string
		rpcInputs      = make(map[string]*string)
		program        string
		serviceIDStr   string
		walletsStr     string
		overwrite      bool
		confirm        bool
	)

	chainNames := []string{"gnosis", "ethereum", "base", "optimism", "mode"}
	for _, name := range chainNames {
		s := ""
		rpcInputs[name] = &s
	}
	selectedChains = []string{"gnosis"}

	validateRPC := func(s string) error {
		if s == "" {
			return nil
		}
		for _, u := range strings.Split(s, ",") {
			u = strings.TrimSpace(u)
			if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") &&
				!strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
				return fmt.Errorf("%q must start with http(s):// or ws(s)://", u)
			}
			if _, err := url.ParseRequestURI(u); err != nil {
				return fmt.Errorf("invalid URL: %v", err)
			}
		}
		return nil
	}

	groups := []*huh.Group{
		// Group 1: chains
		huh.NewGroup(
			huh.NewMultiSelect[string]().
				Title("Which chains should pearld watch?").
				Description("Balances are polled on every selected chain").
				Options(
					huh.NewOption("Gnosis (main Pearl staking chain)", "gnosis").Selected(true),
					huh.NewOption("Ethereum", "ethereum"),
					huh.NewOption("Base", "base"),
					huh.NewOption("Optimism", "optimism"),
					huh.NewOption("Mode", "mode"),
				).
				Validate(func(selected []string) error {
					if len(selected) == 0 {
						return fmt.Errorf("select at least one chain")
					}
					return nil
				}).
				Value(&selectedChains),
		),
	}

	// One RPC group per chain, hidden unless the chain was selected.
	for _, name := range chainNames {
		chainName := name
		groups = append(groups, huh.NewGroup(
			huh.NewInput().
				Title(fmt.Sprintf("RPC endpoints for %s", chainName)).
				Description("Comma-separated URLs; the first healthy one is used, the rest are failover").
				Placeholder("https://...").
				Validate(validateRPC).
				Value(rpcInputs[chainName]),
		).WithHideFunc(func() bool {
			for _, sel := range selectedChains {
				if sel == chainName {
					return false
				}
			}
			return true
		}))
	}

	groups = append(groups,
		// Staking program and service
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Staking program to track").
				Description("Rewards are aggregated for this program; switch later with 'pearl programs select'").
				Options(programOptions...).
				Value(&program),
			huh.NewInput().
				Title("Service ID").
				Description("The on-chain id of your staked service (0 if not staked yet)").
				Placeholder("0").
				Validate(func(s string) error {
					if s == "" {
						return nil
					}
					var v uint64
					if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
						return fmt.Errorf("must be a non-negative integer")
					}
					return nil
				}).
				Value(&serviceIDStr),
		),

		// Wallets
		huh.NewGroup(
			huh.NewInput().
				Title("Extra wallet addresses (optional)").
				Description("Comma-separated 0x addresses to watch in addition to the middleware's wallets").
				Placeholder("0x...").
				Validate(func(s string) error {
					for _, addr := range splitWallets(s) {
						if len(addr) != 42 || !strings.HasPrefix(addr, "0x") {
							return fmt.Errorf("%q is not a 0x-prefixed 40-hex-char address", addr)
						}
					}
					return nil
				}).
				Value(&walletsStr),
		),

		// Overwrite warning, only if a config exists
		huh.NewGroup(
			huh.NewConfirm().
				Title("Config file already exists. Overwrite?").
				Description(configPath).
				Affirmative("Overwrite").
				Negative("Keep existing").
				Value(&overwrite),
		).WithHideFunc(func() bool {
			return !hasExistingConfig
		}),

		// Confirmation with summary
		huh.NewGroup(
			huh.NewConfirm().
				Title("Apply this configuration?").
				DescriptionFunc(func() string {
					lines := []string{
						fmt.Sprintf("Chains:  %s", strings.Join(selectedChains, ", ")),
						fmt.Sprintf("Program: %s", program),
					}
					if serviceIDStr != "" && serviceIDStr != "0" {
						lines = append(lines, fmt.Sprintf("Service: #%s", serviceIDStr))
					}
					if wallets := splitWallets(walletsStr); len(wallets) > 0 {
						lines = append(lines, fmt.Sprintf("Wallets: %d pinned", len(wallets)))
					}
					lines = append(lines, fmt.Sprintf("Config:  %s", configPath))
					return strings.Join(lines, "\n")
				}, &confirm).
				Affirmative("Confirm").
				Negative("Cancel").
				Value(&confirm),
		),
	)

	form := huh.NewForm(groups...).WithTheme(huh.ThemeBase())
	if err := form.Run(); err != nil {
		return err
	}

	if !confirm {
		Info("Setup cancelled — no changes made")
		return nil
	}

	if hasExistingConfig && !overwrite {
		Info("Config file kept (not overwritten)")
		return nil
	}

	// --- Build and write the config ---

	cfg := config.DefaultConfig()
	cfg.Chains = make(map[string]config.ChainConfig, len(selectedChains))
	for _, name := range selectedChains {
		chainCfg := config.ChainConfig{
			Required: name == "gnosis",
		}
		if raw := *rpcInputs[name]; raw != "" {
			for _, u := range strings.Split(raw, ",") {
				chainCfg.RPCURLs = append(chainCfg.RPCURLs, strings.TrimSpace(u))
			}
		}
		if name == "gnosis" && len(chainCfg.RPCURLs) == 0 {
			// Keep the default public endpoint so the required chain validates.
			chainCfg = config.DefaultConfig().Chains["gnosis"]
		}
		cfg.Chains[name] = chainCfg
	}

	cfg.Staking.SelectedProgram = program
	if serviceIDStr != "" {
		fmt.Sscanf(serviceIDStr, "%d", &cfg.Staking.ServiceID)
	}
	cfg.Wallets = splitWallets(walletsStr)

	// Funding defaults: a native gas floor plus an OLAS floor on the
	// program's home chain.
	if home, err := programs.HomeChain(types.StakingProgramID(program)); err == nil {
		if tokens := registry.Tokens(home); len(tokens) > 0 {
			cfg.Funding = []config.FundingRequirement{
				{Chain: home.String(), Symbol: tokens[0].Symbol, Min: "0.05"},
				{Chain: home.String(), Symbol: "OLAS", Min: "20"},
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}
	if err := cfg.Save(configPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	Success(fmt.Sprintf("Config written to %s", configPath))

	fmt.Println()
	fmt.Println(StatusBox("Setup Complete", [][2]string{
		{"Chains", strings.Join(selectedChains, ", ")},
		{"Program", program},
		{"Config", configPath},
	}))
	fmt.Println()
	fmt.Println(Hint("Next: start the daemon with 'pearld', then check 'pearl status'"))

	return nil
}

func writeDefaultConfig(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		Info("Config file already exists (not overwritten)")
		return nil
	}

	cfg := config.DefaultConfig()
	if err := cfg.Save(configPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	Success(fmt.Sprintf("Default config written to %s", configPath))
	fmt.Println(Hint("Edit it to add RPC endpoints, then start the daemon with 'pearld'"))
	return nil
}

func splitWallets(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
