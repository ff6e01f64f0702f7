package main

import (
	"fmt"
	"os"

	"github.com/bdobrica/Kaede/common/environment"
	"github.com/bdobrica/Kaede/common/version"
	"github.com/bdobrica/Kaede/internal/kaede/app"
	"github.com/bdobrica/Kaede/internal/kaede/config"
)

func main() {
	fmt.Printf("Kaede Workspace Assistant %s\n\n", version.Info())

	path := environment.StringOr("KAEDE_CONFIG", "./kaede.yaml")
	if len(os.Args) > 1 {
		path = os.Args[1]
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading %s: %v\n", path, err)
		os.Exit(1)
	}

	kaede, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize Kaede: %v\n", err)
		os.Exit(1)
	}
	defer kaede.Stop()

	if err := kaede.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running Kaede: %v\n", err)
		os.Exit(1)
	}
}
