package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// .env is applied before any of the package variables below read the
// environment. Variables already set in the environment win.
var _ = godotenv.Load(".env")

func Get(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func GetDefault(key, defaultVal string) string {
	if v := Get(key); v != "" {
		return v
	}
	return defaultVal
}

func GetBool(key, defaultVal string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		v = defaultVal
	}
	return v == "1" || v == "true" || v == "yes"
}

func GetInt(key string, defaultVal int) int {
	n, err := strconv.Atoi(Get(key))
	if err != nil {
		return defaultVal
	}
	return n
}

// GetDuration accepts Go durations ("250ms") or plain seconds ("0.25").
func GetDuration(key string, defaultVal time.Duration) time.Duration {
	v := Get(key)
	if v == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(v); err == nil && d >= 0 {
		return d
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return defaultVal
}

const defaultUserAgent = "insider-feed/1.0 contact: your-email@example.com"

var (
	Company   = GetDefault("FORM4_COMPANY", "AMD")
	CIK       = GetDefault("FORM4_CIK", "0000002488")
	UserAgent = GetDefault("SEC_USER_AGENT", defaultUserAgent)

	LookbackDays = GetInt("FORM4_DAYS", 90)
	RequestDelay = GetDuration("FORM4_SLEEP", 250*time.Millisecond)

	OutputDir  = Get("FORM4_OUTPUT_DIR")
	OutputFile = Get("FORM4_OUTPUT_FILE")
	SQLitePath = Get("FORM4_SQLITE_PATH")

	TraceEnabled = GetBool("FORM4_TRACE", "false")

	LogLevel  = GetDefault("LOG_LEVEL", "info")
	LogFormat = GetDefault("LOG_FORMAT", "console")

	AdminAPIKey = Get("ADMIN_API_KEY")
)

// UserAgentLooksValid reports whether ua carries contact details, which SEC
// fair-access guidance asks for.
func UserAgentLooksValid(ua string) bool {
	return strings.Contains(ua, "@") || strings.Contains(strings.ToLower(ua), "contact")
}
