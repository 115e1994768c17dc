package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"yt-queue/internal/config"
	"yt-queue/internal/eventsink"
)

const defaultConfigFile = "config.yaml"

func runDoctor(args []string) error {
	fs := newFlagSet("doctor")
	configPath := addConfigFlag(fs)
	jsonOut := fs.Bool("json", false, "print JSON output")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := noExtraArgs(fs.Args()); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	ctx := context.Background()
	res := config.Doctor(ctx, cfg)

	if client := eventsink.NewRedisClient(redisConfig(cfg)); client != nil {
		check := config.DoctorCheck{Name: "service:redis", OK: true, Message: "reachable at " + cfg.Redis.Addr}
		if err := eventsink.PingRedis(ctx, client); err != nil {
			check.OK = false
			check.Message = err.Error()
		}
		_ = client.Close()
		res.Add(check)
	}

	if *jsonOut {
		if err := printJSON(res); err != nil {
			return err
		}
		if !res.OK {
			return errors.New("doctor checks failed")
		}
		return nil
	}
	for _, c := range res.Checks {
		status := "ok"
		if !c.OK {
			status = "fail"
		}
		fmt.Printf("%s: %s (%s)\n", c.Name, status, c.Message)
	}
	if !res.OK {
		return errors.New("doctor checks failed")
	}
	fmt.Println("doctor: all checks passed")
	return nil
}

func runUpdate(args []string) error {
	fs := newFlagSet("update")
	configPath := addConfigFlag(fs)
	jsonOut := fs.Bool("json", false, "print JSON output")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := noExtraArgs(fs.Args()); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	log := newLogger(cfg, nil, nil)
	defer log.Close()

	u := newUpdater(cfg, log.Logger)
	updateErr := u.Update(context.Background())
	info := u.Info()
	if *jsonOut {
		if err := printJSON(info); err != nil {
			return err
		}
		return updateErr
	}
	if updateErr != nil {
		return updateErr
	}
	if info.Output != "" {
		fmt.Println(info.Output)
	}
	fmt.Println("yt-dlp update finished")
	return nil
}

func runConfig(args []string) error {
	if len(args) > 0 && args[0] == "init" {
		return runConfigInit(args[1:])
	}
	fs := newFlagSet("config")
	configPath := addConfigFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := noExtraArgs(fs.Args()); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	data, err := config.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}

func runConfigInit(args []string) error {
	fs := newFlagSet("config init")
	path := fs.String("path", defaultConfigFile, "where to write the default config")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := noExtraArgs(fs.Args()); err != nil {
		return err
	}
	p := strings.TrimSpace(*path)
	wrote, err := config.WriteDefault(p)
	if err != nil {
		return err
	}
	if !wrote {
		return fmt.Errorf("%s already exists", p)
	}
	fmt.Printf("wrote %s\n", p)
	return nil
}
