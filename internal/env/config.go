package env

import (
	"context"
	"os"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	// Host and Port of the query server to connect to.
	Host string `env:"QUERYLINE_HOST,default=localhost"`
	Port int    `env:"QUERYLINE_PORT,default=10011"`

	// CatalogURL is the base URL of the HTTP catalog the resolver
	// queries for search terms.
	CatalogURL string `env:"QUERYLINE_CATALOG_URL"`

	DebugWire bool `env:"QUERYLINE_DEBUG_WIRE"`
}

func LoadConfig(ctx context.Context) (*Config, error) {
	config := Config{}

	if err := godotenv.Load(".env.local"); err != nil {
		if !os.IsNotExist(err) {
			panic(err)
		}
	}

	if err := envconfig.Process(ctx, &config); err != nil {
		return nil, err
	}

	return &config, nil
}
