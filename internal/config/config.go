package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultReviewBranchPattern = `^r/.+`
	DefaultPreliminaryTimeout  = 30 * time.Second
	DefaultPostReceiveTimeout  = 60 * time.Second
	DefaultReplayRetention     = 720 * time.Hour
	DefaultReplayWorkers       = 4
	DefaultSystemUser          = "critic"
)

type Config struct {
	Port           string
	ProductionType string
	LogPath        string
	AdminToken     string

	Database Database
	Redis    Redis
	Critic   Critic
}

type Database struct {
	Host           string
	Port           string
	User           string
	Password       string
	Name           string
	SSLMode        string
	MigrationsPath string
}

type Redis struct {
	// URL is empty when services share one process and wake each other in memory.
	URL string
}

// Critic holds the settings of the ref-update pipeline itself.
type Critic struct {
	Home                string
	RepositoriesDir     string
	GithookSocket       string
	GitBinary           string
	SystemUser          string
	SystemEmail         string
	URLPrefix           string
	ReviewBranchPattern string
	PreliminaryTimeout  time.Duration
	PostReceiveTimeout  time.Duration
	ReplayWorkers       int
	ReplayRetention     time.Duration
}

// WorktreesDir is where the replayer creates its scratch worktrees.
func (c Critic) WorktreesDir() string {
	return filepath.Join(c.Home, "worktrees")
}

func NewEnvConfig() *Config {
	home := getEnv("CRITIC_HOME", "/var/lib/critic")

	return &Config{
		Port:           os.Getenv("APP_PORT"),
		ProductionType: os.Getenv("APP_PRODUCTION_TYPE"),
		LogPath:        os.Getenv("APP_LOG_PATH"),
		AdminToken:     os.Getenv("ADMIN_TOKEN"),

		Database: Database{
			Host:           os.Getenv("DB_HOST"),
			Port:           os.Getenv("DB_PORT"),
			User:           os.Getenv("DB_USER"),
			Password:       os.Getenv("DB_PASSWORD"),
			Name:           os.Getenv("DB_NAME"),
			SSLMode:        os.Getenv("DB_SSLMODE"),
			MigrationsPath: getEnv("DB_MIGRATIONS_PATH", "file://migrations"),
		},

		Redis: Redis{
			URL: os.Getenv("REDIS_URL"),
		},

		Critic: Critic{
			Home:                home,
			RepositoriesDir:     getEnv("CRITIC_REPOSITORIES_DIR", filepath.Join(home, "git")),
			GithookSocket:       getEnv("CRITIC_GITHOOK_SOCKET", filepath.Join(home, "sockets", "githook.unix")),
			GitBinary:           getEnv("CRITIC_GIT_BINARY", "git"),
			SystemUser:          getEnv("CRITIC_SYSTEM_USER", DefaultSystemUser),
			SystemEmail:         getEnv("CRITIC_SYSTEM_EMAIL", "critic@localhost"),
			URLPrefix:           strings.TrimRight(getEnv("CRITIC_URL_PREFIX", "http://localhost"), "/"),
			ReviewBranchPattern: getEnv("CRITIC_REVIEW_BRANCH_PATTERN", DefaultReviewBranchPattern),
			PreliminaryTimeout:  getDuration("CRITIC_PRELIMINARY_TIMEOUT", DefaultPreliminaryTimeout),
			PostReceiveTimeout:  getDuration("CRITIC_POST_RECEIVE_TIMEOUT", DefaultPostReceiveTimeout),
			ReplayWorkers:       getInt("CRITIC_REPLAY_WORKERS", DefaultReplayWorkers),
			ReplayRetention:     getDuration("CRITIC_REPLAY_RETENTION", DefaultReplayRetention),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	// Plain numbers are seconds.
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return fallback
}

func getInt(key string, fallback int) int {
	value, err := strconv.Atoi(os.Getenv(key))
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func (config *Config) PrintConfigWithHiddenSecrets() {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return strings.Repeat("*", len(s))
	}

	fmt.Println("========== Configuration ==========")

	fmt.Println("\nApp Configuration:")
	fmt.Printf("\tPort: %s\n", config.Port)
	fmt.Printf("\tProductionType: %s\n", config.ProductionType)
	fmt.Printf("\tLogPath: %s\n", config.LogPath)
	fmt.Printf("\tAdminToken: %s\n", mask(config.AdminToken))

	fmt.Println("\nDatabase Configuration:")
	fmt.Printf("\tHost: %s\n", config.Database.Host)
	fmt.Printf("\tPort: %s\n", config.Database.Port)
	fmt.Printf("\tUser: %s\n", config.Database.User)
	fmt.Printf("\tPassword: %s\n", mask(config.Database.Password))
	fmt.Printf("\tName: %s\n", config.Database.Name)
	fmt.Printf("\tSSLMode: %s\n", config.Database.SSLMode)
	fmt.Printf("\tMigrations: %s\n", config.Database.MigrationsPath)

	fmt.Println("\nRedis Configuration:")
	if config.Redis.URL == "" {
		fmt.Println("\tURL: (in-process wake bus)")
	} else {
		fmt.Printf("\tURL: %s\n", mask(config.Redis.URL))
	}

	fmt.Println("\nCritic Configuration:")
	fmt.Printf("\tHome: %s\n", config.Critic.Home)
	fmt.Printf("\tRepositories: %s\n", config.Critic.RepositoriesDir)
	fmt.Printf("\tGithookSocket: %s\n", config.Critic.GithookSocket)
	fmt.Printf("\tSystemUser: %s\n", config.Critic.SystemUser)
	fmt.Printf("\tURLPrefix: %s\n", config.Critic.URLPrefix)
	fmt.Printf("\tReviewBranchPattern: %s\n", config.Critic.ReviewBranchPattern)
	fmt.Printf("\tPreliminaryTimeout: %s\n", config.Critic.PreliminaryTimeout)
	fmt.Printf("\tPostReceiveTimeout: %s\n", config.Critic.PostReceiveTimeout)
	fmt.Printf("\tReplayWorkers: %d\n", config.Critic.ReplayWorkers)

	fmt.Println("\n===================================")
}
