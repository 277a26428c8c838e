package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Validate checks the whole configuration. It also parses the tier text
// into Copy.TieredMultipliers.
func (c *Config) Validate() error {
	if len(c.Accounts.Followed) == 0 {
		return errors.New("config: at least one followed account is required (USER_ADDRESSES)")
	}
	for _, addr := range c.Accounts.Followed {
		if !isHexAddress(addr) {
			return fmt.Errorf("config: invalid followed address %q", addr)
		}
	}
	if c.Accounts.ProxyWallet != "" && !isHexAddress(c.Accounts.ProxyWallet) {
		return fmt.Errorf("config: invalid proxy wallet %q", c.Accounts.ProxyWallet)
	}
	if err := c.Copy.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Execution.SlippageGuard < 0 {
		return fmt.Errorf("config: slippage_guard must not be negative, got %g", c.Execution.SlippageGuard)
	}
	switch c.Data.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("config: unknown data driver %q", c.Data.Driver)
	}
	return nil
}

// isHexAddress accepts only 0x-prefixed 20-byte addresses
func isHexAddress(s string) bool {
	return strings.HasPrefix(s, "0x") && common.IsHexAddress(s)
}
