package flags

var (
	Debug      bool
	ConfigFile string
	LogLevel   string

	// client
	Dial     string
	FilePath string

	// server
	Listen string
	Port   uint16

	// relay
	From string
	To   string
)
