package extract

import (
	"context"

	"github.com/osintops/dragnet/internal/storage"
)

// Builtins mirrors the detector seed shipped with the migrations. Used to
// seed non-Postgres stores (tests) and to re-create missing builtins.
func Builtins() []*storage.Detector {
	return []*storage.Detector{
		{Name: "email", Pattern: `[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`, Category: storage.DetectionEmail, Priority: 100, IsBuiltin: true, IsActive: true},
		{Name: "phone_international", Pattern: `\+[1-9][0-9]{6,14}`, Category: storage.DetectionPhone, Priority: 90, IsBuiltin: true, IsActive: true},
		{Name: "evm_address", Pattern: `0x[a-fA-F0-9]{40}`, Category: storage.DetectionCrypto, Priority: 80, IsBuiltin: true, IsActive: true},
		{Name: "btc_address", Pattern: `(?:bc1[a-zA-HJ-NP-Z0-9]{25,62}|[13][a-km-zA-HJ-NP-Z1-9]{25,34})`, Category: storage.DetectionCrypto, Priority: 80, IsBuiltin: true, IsActive: true},
		{Name: "trx_address", Pattern: `T[1-9A-HJ-NP-Za-km-z]{33}`, Category: storage.DetectionCrypto, Priority: 80, IsBuiltin: true, IsActive: true},
		{Name: "telegram_invite", Pattern: `(?:https?://)?t\.me/(?:\+|joinchat/)[a-zA-Z0-9_\-]+`, Category: storage.DetectionInviteLink, Priority: 75, IsBuiltin: true, IsActive: true},
		{Name: "telegram_username", Pattern: `(?:https?://)?t\.me/[a-zA-Z][a-zA-Z0-9_]{3,31}`, Category: storage.DetectionTelegramUsername, Priority: 70, IsBuiltin: true, IsActive: true},
		{Name: "url", Pattern: `https?://[^\s<>"]+`, Category: storage.DetectionURL, Priority: 60, IsBuiltin: true, IsActive: true},
	}
}

// SeedBuiltins writes the builtin detectors into a store that has none.
// The Postgres adapter seeds them at migration time; this covers test stores.
func SeedBuiltins(ctx context.Context, store storage.DetectionStore) error {
	existing, err := store.ListDetectors(ctx, false)
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(existing))
	for _, d := range existing {
		have[d.Name] = true
	}
	for _, d := range Builtins() {
		if have[d.Name] {
			continue
		}
		if _, err := store.CreateDetector(ctx, d); err != nil {
			return err
		}
	}
	return nil
}
