package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	BranchID              string
	Currency              string
	ExcessDisposition     string
	CatalogTTLSeconds     int
	CommitRetries         int
	AuthSecret            string
	AccessTokenTTLMinutes int
	ManagerPIN            string
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	catalogTTL, err := strconv.Atoi(getEnv("CATALOG_TTL_SECONDS", "300"))
	if err != nil || catalogTTL < 1 {
		catalogTTL = 300
	}
	retries, err := strconv.Atoi(getEnv("COMMIT_RETRIES", "3"))
	if err != nil || retries < 1 {
		retries = 3
	}
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		BranchID:              getEnv("DEFAULT_BRANCH_ID", "branch-main"),
		Currency:              getEnv("CURRENCY", "IDR"),
		ExcessDisposition:     getEnv("EXCESS_DISPOSITION", "change"),
		CatalogTTLSeconds:     catalogTTL,
		CommitRetries:         retries,
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
		ManagerPIN:            strings.TrimSpace(os.Getenv("MANAGER_PIN")),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
