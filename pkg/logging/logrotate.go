package logging

import "fmt"

// GenerateLogrotateConfig creates a logrotate configuration for the bot's log directory
func GenerateLogrotateConfig(logDir, service string) string {
	if logDir == "" {
		logDir = DefaultLogDir
	}
	return fmt.Sprintf(`# Logrotate configuration for %s
# Install: sudo cp this file to /etc/logrotate.d/%s

%s/*.log {
    daily
    rotate 14
    compress
    delaycompress
    missingok
    notifempty
    copytruncate
}
`, service, service, logDir)
}
