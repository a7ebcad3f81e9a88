package daemon

import "github.com/tabwarden/tabwarden/internal/domain"

// applyPatch overlays the non-nil patch fields onto cur. Validation
// happens on the result, so a bad patch never reaches the store.
func applyPatch(cur domain.Settings, p SettingsPatch) domain.Settings {
	next := cur
	if p.DailyLimitMinutes != nil {
		next.DailyLimitMinutes = *p.DailyLimitMinutes
	}
	if p.ResetHour != nil {
		next.ResetHour = *p.ResetHour
	}
	if p.LockMode != nil {
		next.LockMode = domain.LockMode(*p.LockMode)
	}
	if p.AllowSnooze != nil {
		next.AllowSnooze = *p.AllowSnooze
	}
	if p.CooldownMinutes != nil {
		next.CooldownMinutes = *p.CooldownMinutes
	}
	if p.Tone != nil {
		next.Tone = domain.Tone(*p.Tone)
	}
	if p.Enabled != nil {
		next.Enabled = *p.Enabled
	}
	if p.OverlayEnabled != nil {
		next.Overlay.Enabled = *p.OverlayEnabled
	}
	if p.OverlayTemplate != nil {
		next.Overlay.Template = *p.OverlayTemplate
	}
	if p.OverlayMessage != nil {
		next.Overlay.Message = *p.OverlayMessage
	}
	if p.OverlayImageRef != nil {
		next.Overlay.ImageRef = *p.OverlayImageRef
	}
	return next
}
