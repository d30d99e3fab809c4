// fakeworker is a stand-in for the Python classifier used in local runs and
// integration tests. It follows the worker contract: the image path is the
// last argument, the verdict goes to stdout as one JSON object and progress
// goes to stderr.
//
// Behaviour is controlled through the environment:
//
//	FAKEWORKER_RESULT      label to report (default "Normal")
//	FAKEWORKER_CONFIDENCE  confidence to report (default 0.87)
//	FAKEWORKER_DELAY       time to sleep before answering, e.g. "500ms"
//	FAKEWORKER_FAIL        message to print to stderr before exiting 1
//	FAKEWORKER_RAW         raw stdout to print instead of the JSON verdict
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

type verdict struct {
	Result     string  `json:"result"`
	Confidence float64 `json:"confidence"`
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: fakeworker <image-path>")
		os.Exit(2)
	}
	path := os.Args[len(os.Args)-1]

	info, err := os.Stat(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot read image: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "[fakeworker] loaded %s (%d bytes)\n", path, info.Size())

	if v := os.Getenv("FAKEWORKER_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bad FAKEWORKER_DELAY: %v\n", err)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "[fakeworker] sleeping %s\n", d)
		time.Sleep(d)
	}

	if msg := os.Getenv("FAKEWORKER_FAIL"); msg != "" {
		fmt.Fprintln(os.Stderr, msg)
		os.Exit(1)
	}

	if raw, ok := os.LookupEnv("FAKEWORKER_RAW"); ok {
		fmt.Print(raw)
		return
	}

	out := verdict{Result: "Normal", Confidence: 0.87}
	if v := os.Getenv("FAKEWORKER_RESULT"); v != "" {
		out.Result = v
	}
	if v := os.Getenv("FAKEWORKER_CONFIDENCE"); v != "" {
		c, err := strconv.ParseFloat(v, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bad FAKEWORKER_CONFIDENCE: %v\n", err)
			os.Exit(2)
		}
		out.Confidence = c
	}

	fmt.Fprintln(os.Stderr, "[fakeworker] done")
	if err := json.NewEncoder(os.Stdout).Encode(out); err != nil {
		os.Exit(1)
	}
}
