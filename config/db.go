package config

type DBConfig struct {
	Path string `yaml:"path"`

	// Disk usage thresholds, in percent of the partition holding Path.
	NoticePercentage    int `yaml:"noticePercentage"`
	WarnPercentage      int `yaml:"warnPercentage"`
	TerminatePercentage int `yaml:"terminatePercentage"`

	// Test-only parameter, do not enable outside of tests
	InMemoryDONOTUSE bool `yaml:"-"`
}

// WithDefaults returns a copy of the DBConfig with any missing fields set to
// their default values.
func (c DBConfig) WithDefaults() DBConfig {
	cpy := c
	if cpy.NoticePercentage == 0 {
		cpy.NoticePercentage = 80
	}
	if cpy.WarnPercentage == 0 {
		cpy.WarnPercentage = 90
	}
	if cpy.TerminatePercentage == 0 {
		cpy.TerminatePercentage = 97
	}
	return cpy
}
