// roster.go loads the radio bot roster from the environment. The roster is
// deployment configuration, not engine state: the entitlement engine only
// consults each bot's required tier when gating invite links.
package config

import (
	"fmt"
	"os"
	"strings"

	"omnifm/internal/types"
)

// maxRosterSlots is the number of BOT_<n>_* environment slots scanned.
const maxRosterSlots = 20

// envLookup matches the signature of os.LookupEnv and allows injection for
// testing without mutating global state.
type envLookup func(key string) (string, bool)

// LoadRoster reads the bot roster from BOT_1_* .. BOT_20_* environment
// variables:
//
//	BOT_3_NAME=OmniFM Jazz
//	BOT_3_CLIENT_ID=123456789012345678
//	BOT_3_TIER=pro
//
// A slot without a NAME is skipped; gaps in the numbering are allowed. TIER
// defaults to free when absent. A slot with a NAME but no CLIENT_ID is a
// configuration error.
func LoadRoster() ([]types.Bot, error) {
	return loadRosterWithLookup(os.LookupEnv)
}

func loadRosterWithLookup(lookup envLookup) ([]types.Bot, error) {
	var bots []types.Bot
	for i := 1; i <= maxRosterSlots; i++ {
		prefix := fmt.Sprintf("BOT_%d_", i)

		name, ok := lookup(prefix + "NAME")
		if !ok || strings.TrimSpace(name) == "" {
			continue
		}

		clientID, _ := lookup(prefix + "CLIENT_ID")
		clientID = strings.TrimSpace(clientID)
		if clientID == "" {
			return nil, &ConfigError{
				Type:    ErrMissingEnv,
				Message: fmt.Sprintf("%sCLIENT_ID is required when %sNAME is set", prefix, prefix),
			}
		}

		tier := types.TierFree
		if raw, ok := lookup(prefix + "TIER"); ok && strings.TrimSpace(raw) != "" {
			tier = types.Tier(strings.ToLower(strings.TrimSpace(raw)))
			if tier.Rank() < 0 {
				return nil, &ConfigError{
					Type:    ErrValidation,
					Message: fmt.Sprintf("%sTIER has unknown tier %q", prefix, raw),
				}
			}
		}

		bots = append(bots, types.Bot{
			ID:           fmt.Sprintf("bot-%d", i),
			Index:        i,
			Name:         strings.TrimSpace(name),
			ClientID:     clientID,
			RequiredTier: tier,
		})
	}
	return bots, nil
}
