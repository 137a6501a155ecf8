// Command edgeevent runs a single Lambda@Edge event through the handler and
// prints the result. The event is read from the file argument, or stdin.
//
//	$ edgeevent -config edgeflag.yaml event.json
//	$ cat event.json | edgeevent
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/alextanhongpin/edgeflag/config"
	"github.com/alextanhongpin/edgeflag/internal/app"
	"github.com/alextanhongpin/edgeflag/telemetry"
)

func main() {
	var path string
	flag.StringVar(&path, "config", os.Getenv(config.PathEnv), "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(path, config.Env())
	if err != nil {
		log.Fatalf("failed to load config: %s", err)
	}

	logger, err := telemetry.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("failed to create logger: %s", err)
	}

	raw, err := read(flag.Arg(0))
	if err != nil {
		log.Fatalf("failed to read event: %s", err)
	}

	a, err := app.New(cfg, logger, nil, app.Clients{})
	if err != nil {
		log.Fatalf("failed to build app: %s", err)
	}

	out, err := a.Handler.HandleJSON(context.Background(), raw)
	// Flush the events before exiting.
	a.Close()
	if err != nil {
		log.Fatalf("failed to handle event: %s", err)
	}

	fmt.Println(string(out))
}

func read(name string) ([]byte, error) {
	if name == "" || name == "-" {
		return io.ReadAll(os.Stdin)
	}

	return os.ReadFile(name)
}
