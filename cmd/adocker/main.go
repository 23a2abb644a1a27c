// adocker pulls container images and materializes them into flat root
// filesystem directories ready for an unprivileged sandbox executor.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/alecthomas/kong"

	"github.com/xiaochen201807/android-docker-cli/internal/paths"
	"github.com/xiaochen201807/android-docker-cli/internal/pull"
	"github.com/xiaochen201807/android-docker-cli/internal/store"
	"github.com/xiaochen201807/android-docker-cli/pkg/oci"
)

var cli struct {
	Quiet   bool `short:"q" help:"Suppress informational output."`
	Verbose bool `short:"v" help:"Enable verbose output."`

	Pull   PullCmd   `cmd:"" help:"Pull an image and materialize its rootfs."`
	Images ImagesCmd `cmd:"" help:"List pulled images."`
	Rmi    RmiCmd    `cmd:"" help:"Remove a pulled image."`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kongCtx := kong.Parse(&cli,
		kong.Name("adocker"),
		kong.Description("Pulls container images into proot-ready root filesystems."),
		kong.UsageOnError(),
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(),
	})))

	if err := kongCtx.Run(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func logLevel() slog.Level {
	if cli.Verbose {
		return slog.LevelDebug
	}
	if cli.Quiet {
		return slog.LevelWarn
	}
	return slog.LevelInfo
}

type PullCmd struct {
	Image    string `arg:"" help:"Image reference, e.g. alpine, nginx:1.27 or registry.example.com/ns/app:tag."`
	Output   string `short:"o" help:"Destination directory (default: per-image cache dir)." placeholder:"DIR"`
	Arch     string `help:"Target architecture (default: host architecture)." placeholder:"ARCH"`
	Username string `help:"Registry username."`
	Password string `help:"Registry password or token."`
	Proxy    string `help:"HTTP(S) proxy URL for registry traffic." placeholder:"URL"`
}

func (c *PullCmd) Run(ctx context.Context) error {
	db := openIndex(ctx)
	if db != nil {
		defer db.Close()
	}

	result, err := pull.Pull(ctx, pull.Options{
		Image:        c.Image,
		Dest:         c.Output,
		Architecture: c.Arch,
		Username:     c.Username,
		Password:     c.Password,
		Proxy:        c.Proxy,
		DB:           db,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Pulled %s (%s)\n", result.Reference.String(), result.ManifestDigest.String())
	fmt.Printf("Rootfs: %s\n", result.RootfsDir)
	if len(result.Config.Config.Entrypoint) > 0 {
		fmt.Printf("Entrypoint: %s\n", strings.Join(result.Config.Config.Entrypoint, " "))
	}
	if len(result.Config.Config.Cmd) > 0 {
		fmt.Printf("Cmd: %s\n", strings.Join(result.Config.Config.Cmd, " "))
	}
	if result.Config.Config.WorkingDir != "" {
		fmt.Printf("WorkingDir: %s\n", result.Config.Config.WorkingDir)
	}
	return nil
}

type ImagesCmd struct{}

func (c *ImagesCmd) Run(ctx context.Context) error {
	db, err := store.NewDB(paths.Database())
	if err != nil {
		return err
	}
	defer db.Close()
	if err := store.InitSchema(ctx, db); err != nil {
		return err
	}

	images, err := store.ListImages(ctx, db)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "REFERENCE\tARCH\tSIZE\tPULLED\tROOTFS")
	for _, img := range images {
		fmt.Fprintf(w, "%s\t%s\t%.1f MB\t%s\t%s\n",
			img.Reference, img.Architecture,
			float64(img.SizeBytes)/1024/1024,
			img.PulledAt.Format("2006-01-02 15:04"),
			img.RootfsPath)
	}
	return w.Flush()
}

type RmiCmd struct {
	Image string `arg:"" help:"Image reference to remove."`
}

func (c *RmiCmd) Run(ctx context.Context) error {
	ref := oci.ParseReference(c.Image)

	db, err := store.NewDB(paths.Database())
	if err != nil {
		return err
	}
	defer db.Close()
	if err := store.InitSchema(ctx, db); err != nil {
		return err
	}

	img, err := store.GetImage(ctx, db, ref.String())
	if err != nil {
		return err
	}
	if img == nil {
		return fmt.Errorf("image %s is not in the local index", ref.String())
	}

	if err := os.RemoveAll(paths.ImageDir(ref.String())); err != nil {
		return fmt.Errorf("remove image directory: %w", err)
	}
	if err := store.DeleteImage(ctx, db, ref.String()); err != nil {
		return err
	}

	fmt.Printf("Removed %s\n", ref.String())
	return nil
}

// openIndex opens the image index best-effort: a broken index must not
// block a pull.
func openIndex(ctx context.Context) *sql.DB {
	db, err := store.NewDB(paths.Database())
	if err != nil {
		slog.Warn("image index unavailable", "error", err)
		return nil
	}
	if err := store.InitSchema(ctx, db); err != nil {
		slog.Warn("image index unavailable", "error", err)
		db.Close()
		return nil
	}
	return db
}
