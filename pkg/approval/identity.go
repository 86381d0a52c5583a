// Package approval tracks approval request lifecycle and verifies admin
// identity. The system has exactly one human authority: no delegation,
// no quorum, no implicit defaults. Silence is never permission.
package approval

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Admin channels.
const (
	ChannelTelegram = "telegram"
	ChannelCLI      = "cli"
)

type adminFile struct {
	Admin struct {
		TelegramChatID string `yaml:"telegram_chat_id"`
		CLIIdentity    string `yaml:"cli_identity"`
	} `yaml:"admin"`
}

// AdminIdentity validates admin identity for approval decisions. At most
// one identity per channel; at least one channel must be configured.
type AdminIdentity struct {
	telegramChatID string
	cliIdentity    string
	log            *slog.Logger
}

// LoadAdminIdentity reads the admin config from a YAML file. Missing
// file, missing admin section, or no configured channel are errors.
func LoadAdminIdentity(path string) (*AdminIdentity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read admin config: %w", err)
	}

	var f adminFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse admin config %s: %w", path, err)
	}

	a := &AdminIdentity{
		telegramChatID: f.Admin.TelegramChatID,
		cliIdentity:    f.Admin.CLIIdentity,
		log:            slog.Default().With("component", "approval.identity"),
	}
	if a.telegramChatID == "" && a.cliIdentity == "" {
		return nil, fmt.Errorf("admin config %s: at least one admin identity (telegram or cli) must be configured", path)
	}

	a.log.Info("admin identity loaded",
		"telegram", a.telegramChatID != "", "cli", a.cliIdentity != "")
	return a, nil
}

// NewAdminIdentity builds an identity validator directly, for testing.
func NewAdminIdentity(telegramChatID, cliIdentity string) *AdminIdentity {
	return &AdminIdentity{
		telegramChatID: telegramChatID,
		cliIdentity:    cliIdentity,
		log:            slog.Default().With("component", "approval.identity"),
	}
}

// VerifyTelegram reports whether the chat id matches the configured
// admin. An unconfigured channel rejects everything.
func (a *AdminIdentity) VerifyTelegram(chatID string) bool {
	if a.telegramChatID == "" {
		a.log.Warn("telegram admin not configured, rejecting")
		return false
	}
	if chatID != a.telegramChatID {
		a.log.Warn("telegram identity mismatch", "got", chatID)
		return false
	}
	return true
}

// VerifyCLI reports whether the CLI identity matches the configured
// admin. An unconfigured channel rejects everything.
func (a *AdminIdentity) VerifyCLI(identity string) bool {
	if a.cliIdentity == "" {
		a.log.Warn("cli admin not configured, rejecting")
		return false
	}
	if identity != a.cliIdentity {
		a.log.Warn("cli identity mismatch", "got", identity)
		return false
	}
	return true
}

// Verify dispatches to the channel-specific check. Unknown channels
// always reject.
func (a *AdminIdentity) Verify(channel, identity string) bool {
	switch channel {
	case ChannelTelegram:
		return a.VerifyTelegram(identity)
	case ChannelCLI:
		return a.VerifyCLI(identity)
	default:
		a.log.Error("unknown approval channel", "channel", channel)
		return false
	}
}

// Identity returns the configured admin identity for a channel, or ""
// when the channel is unknown or unconfigured.
func (a *AdminIdentity) Identity(channel string) string {
	switch channel {
	case ChannelTelegram:
		return a.telegramChatID
	case ChannelCLI:
		return a.cliIdentity
	default:
		return ""
	}
}
