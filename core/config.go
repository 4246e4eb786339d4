package core

import (
	"log"
	"net"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Debug        bool
	TestMode     bool
	AppName      string
	Env          string // DEV (local; default), TEST, QA, PROD
	Build        string
	SecretKey    string
	RollbarToken string
	LogFile      string // rotated by lumberjack when set
	WorkDir      string

	Server struct {
		Host            string
		DebugHost       string
		ShutdownTimeout time.Duration
	}

	Database DatabaseConfig

	Notify struct {
		SendgridApiKey   string
		DefaultFromEmail string
		RedisAddr        string
		RedisQueue       string
	}

	Metrics struct {
		PushGateway string // batch jobs push their metrics here when set
	}

	Scheduler struct {
		// AlignFirstPeriod applies the calendar alignment to a template's very first period.
		AlignFirstPeriod  bool
		AcademicYearStart time.Time // only month & day are used
	}
}

func (c Config) DefaultFromEmail() mail.Address {
	return mail.Address{Name: c.AppName, Address: c.Notify.DefaultFromEmail}
}

func (c Config) IsPostgres() bool {
	return c.Database.Engine == "postgres"
}

type DatabaseConfig struct {
	Engine        string // postgres | sqlite3
	Host          string
	Port          string
	Name          string // file path for sqlite3
	User          string
	Password      string
	AdminUser     string
	AdminPassword string
	DisableTLS    bool
}

func (db DatabaseConfig) Address() string {
	return net.JoinHostPort(db.Host, db.Port)
}

// NewConfig loads the configuration from defaults, the optional `config/.env.<env>` file and
// the environment (variables prefixed with the env name, e.g. `PROD_DATABASE_HOST`).
func NewConfig() *Config {
	v := viper.New()

	// defaults
	v.SetTypeByDefaultValue(true)
	v.SetDefault("debug", true)
	v.SetDefault("appName", "Masomo")
	v.SetDefault("secretKey", "poq5-wer)enb$+57=dz&uoxh2(h!x)#*c2(#yg4h^$cegm2emy")
	v.SetDefault("server.host", "0.0.0.0:8000")
	v.SetDefault("server.debugHost", "0.0.0.0:4000")
	v.SetDefault("server.shutdownTimeout", 5*time.Second)
	v.SetDefault("database.engine", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.name", "masomo_forms")
	v.SetDefault("database.disableTLS", false)
	v.SetDefault("notify.defaultFromEmail", "noreply@localhost")
	v.SetDefault("notify.redisQueue", "masomo:push")
	v.SetDefault("scheduler.alignFirstPeriod", true)
	v.SetDefault("scheduler.academicYearStart", "09-01")

	env := strings.ToUpper(os.Getenv("ENV"))
	switch env {
	case "":
		env = "DEV"
	case "TEST":
		v.SetDefault("testMode", true)
	}
	v.SetEnvPrefix(env)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	workDir := Getwd()

	// load .env if it exists (ignore if it does not)
	dotEnvPath := filepath.Join(workDir, "config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
	}
	v.AutomaticEnv()

	conf := &Config{
		Debug:        v.GetBool("debug"),
		TestMode:     v.GetBool("testMode"),
		AppName:      v.GetString("appName"),
		Env:          env,
		Build:        v.GetString("build"),
		SecretKey:    v.GetString("secretKey"),
		RollbarToken: v.GetString("rollbarToken"),
		LogFile:      v.GetString("logFile"),
		WorkDir:      workDir,
	}

	conf.Server.Host = v.GetString("server.host")
	conf.Server.DebugHost = v.GetString("server.debugHost")
	conf.Server.ShutdownTimeout = v.GetDuration("server.shutdownTimeout")

	conf.Database.Engine = v.GetString("database.engine")
	conf.Database.Host = v.GetString("database.host")
	conf.Database.Port = v.GetString("database.port")
	conf.Database.Name = v.GetString("database.name")
	conf.Database.User = v.GetString("database.user")
	conf.Database.Password = v.GetString("database.password")
	conf.Database.AdminUser = v.GetString("database.adminUser")
	conf.Database.AdminPassword = v.GetString("database.adminPassword")
	conf.Database.DisableTLS = v.GetBool("database.disableTLS")

	conf.Notify.SendgridApiKey = v.GetString("notify.sendgridApiKey")
	conf.Notify.DefaultFromEmail = v.GetString("notify.defaultFromEmail")
	conf.Notify.RedisAddr = v.GetString("notify.redisAddr")
	conf.Notify.RedisQueue = v.GetString("notify.redisQueue")

	conf.Metrics.PushGateway = v.GetString("metrics.pushGateway")

	conf.Scheduler.AlignFirstPeriod = v.GetBool("scheduler.alignFirstPeriod")
	anchor, err := time.Parse("01-02", v.GetString("scheduler.academicYearStart"))
	if err != nil {
		log.Fatalf("config.scheduler.academicYearStart: %v", err)
	}
	conf.Scheduler.AcademicYearStart = anchor

	return conf
}
