package logging

import "fmt"

// GenerateLogrotateConfig creates a logrotate configuration for a component
func GenerateLogrotateConfig(component string) string {
	return fmt.Sprintf(`# Logrotate configuration for encodefleet %s
# Install: sudo cp this file to /etc/logrotate.d/encodefleet-%s

/var/log/encodefleet/%s/*.log {
    # Rotate daily
    daily
    
    # Keep 14 days of logs
    rotate 14
    
    # Compress old logs
    compress
    delaycompress
    
    # Don't error if log is missing
    missingok
    
    # Don't rotate empty logs
    notifempty
    
    # Create new log with these permissions
    create 0644 encodefleet encodefleet
    
    # Run postrotate script only once for all logs
    sharedscripts
    
    # Reload service after rotation
    postrotate
        systemctl reload encodefleet-%s 2>/dev/null || true
    endscript
}
`, component, component, component, component)
}

// GenerateServerLogrotate generates logrotate config for the scheduler server
func GenerateServerLogrotate() string {
	return GenerateLogrotateConfig("server")
}
