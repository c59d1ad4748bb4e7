package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds agent configuration loaded from environment.
type Config struct {
	Agent      AgentConfig
	Server     ServerConfig
	Backend    BackendConfig
	Realtime   RealtimeConfig
	Redis      RedisConfig
	JWT        JWTConfig
	Attendance AttendanceConfig
	Reactions  ReactionsConfig
}

// AgentConfig identifies the meeting this agent instance joins. The shell
// launches one agent process per joined meeting.
type AgentConfig struct {
	MeetingID string
	UserID    string
	UserName  string
	Role      string
	Token     string // meeting-backend token used to join the realtime channel
}

// ServerConfig holds the local control API settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" (e.g. http://localhost:3000)
}

// BackendConfig holds the external REST backend endpoints.
type BackendConfig struct {
	AttendanceBaseURL string // detection/status/break service
	ReactionsBaseURL  string // reaction persistence service
	RequestTimeout    time.Duration
	DetectTimeout     time.Duration // per-frame detect calls get their own bound
}

// RealtimeConfig holds data-channel transport settings.
// Mode selects the implementation: "ws" dials WSURL, "redis" bridges through
// the Redis pub/sub channel for the meeting.
type RealtimeConfig struct {
	Mode  string
	WSURL string // e.g. ws://localhost:8080/channel
}

// RedisConfig holds Redis connection settings (used when Realtime.Mode=redis).
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds validation settings for meeting-backend-issued tokens.
type JWTConfig struct {
	Secret string
}

// AttendanceConfig holds tracking timing knobs.
type AttendanceConfig struct {
	WarningInterval    time.Duration // spacing between warnings in continuous violation
	StatusPollInterval time.Duration // background status poll cadence while tracking
	StatusMinInterval  time.Duration // throttle for unforced GetStatus calls
}

// ReactionsConfig holds reaction fan-out knobs.
type ReactionsConfig struct {
	DisplayDuration time.Duration // how long a reaction stays visible
	DedupWindow     time.Duration // composite-key dedup horizon
	SendGate        time.Duration // minimum gap between local sends
	SweepInterval   time.Duration // expiry sweep resolution
	CountsRefresh   time.Duration // server counts poll cadence
	HistoryLimit    int
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	readTimeout, _ := strconv.Atoi(getEnv("READ_TIMEOUT_SEC", "30"))
	writeTimeout, _ := strconv.Atoi(getEnv("WRITE_TIMEOUT_SEC", "30"))
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := &Config{
		Agent: AgentConfig{
			MeetingID: getEnv("MEETING_ID", ""),
			UserID:    getEnv("USER_ID", ""),
			UserName:  getEnv("USER_NAME", ""),
			Role:      getEnv("MEETING_ROLE", "participant"),
			Token:     getEnv("MEETING_TOKEN", ""),
		},
		Server: ServerConfig{
			Port:               getEnv("PORT", "7880"),
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		},
		Backend: BackendConfig{
			AttendanceBaseURL: getEnv("ATTENDANCE_API_URL", "http://localhost:8000/api/attendance"),
			ReactionsBaseURL:  getEnv("REACTIONS_API_URL", "http://localhost:8000/api/reactions"),
			RequestTimeout:    getEnvDuration("BACKEND_TIMEOUT", 10*time.Second),
			DetectTimeout:     getEnvDuration("DETECT_TIMEOUT", 15*time.Second),
		},
		Realtime: RealtimeConfig{
			Mode:  getEnv("REALTIME_MODE", "ws"),
			WSURL: getEnv("REALTIME_WS_URL", "ws://localhost:8080/channel"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", "change-me-in-production"),
		},
		Attendance: AttendanceConfig{
			WarningInterval:    getEnvDuration("WARNING_INTERVAL", 20*time.Second),
			StatusPollInterval: getEnvDuration("STATUS_POLL_INTERVAL", 10*time.Second),
			StatusMinInterval:  getEnvDuration("STATUS_MIN_INTERVAL", 5*time.Second),
		},
		Reactions: ReactionsConfig{
			DisplayDuration: getEnvDuration("REACTION_DISPLAY", 5*time.Second),
			DedupWindow:     getEnvDuration("REACTION_DEDUP_WINDOW", 10*time.Second),
			SendGate:        getEnvDuration("REACTION_SEND_GATE", 500*time.Millisecond),
			SweepInterval:   getEnvDuration("REACTION_SWEEP_INTERVAL", time.Second),
			CountsRefresh:   getEnvDuration("REACTION_COUNTS_REFRESH", 30*time.Second),
			HistoryLimit:    getEnvInt("REACTION_HISTORY_LIMIT", 100),
		},
	}
	return cfg, nil
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
