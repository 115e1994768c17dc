package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"yt-queue/internal/config"
	"yt-queue/internal/format"
	"yt-queue/internal/runstore"
)

func runProbe(args []string) error {
	fs := newFlagSet("probe")
	configPath := addConfigFlag(fs)
	jsonOut := fs.Bool("json", false, "print JSON output")
	outPath := fs.String("out", "", "also write the JSON result to this file")
	policy := addPolicyFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("probe requires exactly one url")
	}
	url := strings.TrimSpace(fs.Arg(0))

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	log := newLogger(cfg, nil, nil)
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	res, err := newSelector(cfg, log.Logger).Pick(ctx, url, policy.apply(cfg.Selection.SelectionPolicy))
	if err != nil {
		return err
	}

	if p := strings.TrimSpace(*outPath); p != "" {
		if err := runstore.WriteJSON(p, res); err != nil {
			return fmt.Errorf("write %s: %w", p, err)
		}
	}
	if *jsonOut {
		return printJSON(res)
	}
	printPick(res)
	return nil
}

func printPick(res format.PickResult) {
	fmt.Printf("format: %s\n", res.FormatSpec)
	fmt.Printf("kind: %s\n", res.Kind)
	if res.VideoID != "" {
		fmt.Printf("video: %s\n", res.VideoID)
	}
	if res.AudioID != "" {
		fmt.Printf("audio: %s\n", res.AudioID)
	}
	fmt.Printf("candidates: %d (video %d, audio %d, muxed %d)\n",
		res.Counts.Total, res.Counts.Video, res.Counts.Audio, res.Counts.Muxed)
	if len(res.Languages) > 0 {
		fmt.Printf("languages: %s\n", strings.Join(res.Languages, ", "))
	}
	p := res.Policy
	fmt.Printf("policy: height=%d width=%d protocol=%s audio_only=%t codecs=%s\n",
		p.TargetHeight, p.TargetWidth, p.PreferredProtocol, p.AudioOnly, strings.Join(p.VideoCodecs, ","))
}
