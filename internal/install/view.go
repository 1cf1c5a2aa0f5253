package install

import "go.uber.org/zap"

// LogView renders the controller's surface as log lines. It is what a
// headless host (the server itself) uses.
type LogView struct {
	log *zap.Logger
}

func NewLogView(log *zap.Logger) *LogView {
	return &LogView{log: log.Named("view")}
}

func (v *LogView) ShowInstallButton() { v.log.Debug("install button shown") }
func (v *LogView) HideInstallButton() { v.log.Debug("install button hidden") }

func (v *LogView) ShowToast(message string) func() {
	v.log.Info("toast", zap.String("message", message))
	return func() { v.log.Debug("toast removed", zap.String("message", message)) }
}

func (v *LogView) ShowBanner(message, color string) func() {
	v.log.Info("banner", zap.String("message", message), zap.String("color", color))
	return func() { v.log.Debug("banner removed", zap.String("message", message)) }
}
