package plugins

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/flytam/filenamify"
	getter "github.com/hashicorp/go-getter"
	"github.com/mholt/archives"
	"github.com/vrsandeep/scm-server/internal/models"
)

// StagedPlugin is a downloaded, verified and unpacked plugin waiting to be
// committed.
type StagedPlugin struct {
	Name      string
	Version   string
	Checksum  string
	Directory string
}

// Installer downloads catalog plugins into a staging directory.
type Installer struct {
	env    Environment
	tokens AccessTokenSource
	client *http.Client
}

// NewInstaller creates an installer. tokens may be nil.
func NewInstaller(env Environment, tokens AccessTokenSource) *Installer {
	return &Installer{
		env:    env,
		tokens: tokens,
		client: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}
}

// SafeName turns a plugin name into a name usable as a file name.
func SafeName(name string) string {
	safe, err := filenamify.Filenamify(name, filenamify.Options{
		Replacement: "_",
	})
	if err != nil || safe == "" {
		return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(name)
	}
	return safe
}

// Stage downloads plugin into stagingDir, verifies it and unpacks it. A
// non-empty token is sent as bearer authentication.
func (i *Installer) Stage(ctx context.Context, stagingDir string, plugin models.AvailablePlugin, token string) (*StagedPlugin, error) {
	name := plugin.Name()
	descriptor := plugin.Descriptor

	if !IsSupported(descriptor.Condition, i.env) {
		return nil, &InstallationError{Plugin: name, Kind: InstallationKindCondition, Message: "plugin condition does not match this server"}
	}

	archivePath := filepath.Join(stagingDir, SafeName(name+"-"+plugin.Version())+".smp")
	if err := i.download(ctx, descriptor.URL, archivePath, stagingDir, token); err != nil {
		return nil, &InstallationError{Plugin: name, Kind: InstallationKindDownload, Message: "failed to download " + descriptor.URL, Cause: err}
	}

	checksum, err := fileChecksum(archivePath)
	if err != nil {
		return nil, &InstallationError{Plugin: name, Kind: InstallationKindDownload, Message: "failed to read downloaded archive", Cause: err}
	}
	if descriptor.Checksum != "" && !strings.EqualFold(checksum, strings.TrimSpace(descriptor.Checksum)) {
		return nil, &InstallationError{
			Plugin:  name,
			Kind:    InstallationKindChecksum,
			Message: fmt.Sprintf("expected sha256 %s, got %s", descriptor.Checksum, checksum),
		}
	}

	pluginDir := filepath.Join(stagingDir, SafeName(name))
	if err := unpack(ctx, archivePath, pluginDir); err != nil {
		return nil, &InstallationError{Plugin: name, Kind: InstallationKindUnpack, Message: "failed to unpack archive", Cause: err}
	}
	if err := os.Remove(archivePath); err != nil {
		log.Printf("Failed to remove staged archive %s: %v", archivePath, err)
	}

	manifest, err := LoadManifest(pluginDir)
	if err != nil {
		return nil, &InstallationError{Plugin: name, Kind: InstallationKindMismatch, Message: "archive has no valid descriptor", Cause: err}
	}
	if manifest.Information.Name != name || manifest.Information.Version != plugin.Version() {
		return nil, &InstallationError{
			Plugin: name,
			Kind:   InstallationKindMismatch,
			Message: fmt.Sprintf("archive contains %s@%s, expected %s@%s",
				manifest.Information.Name, manifest.Information.Version, name, plugin.Version()),
		}
	}

	return &StagedPlugin{
		Name:      name,
		Version:   plugin.Version(),
		Checksum:  checksum,
		Directory: pluginDir,
	}, nil
}

// AccessToken returns the bearer token for plugin downloads, or an empty
// string when downloads go anonymous. Each fetch rotates the plugin center
// refresh token, so callers fetch it once per batch.
func (i *Installer) AccessToken(ctx context.Context) string {
	if i.tokens == nil {
		return ""
	}
	token, err := i.tokens.FetchAccessToken(ctx)
	if err != nil {
		log.Printf("Downloading without plugin center authentication: %v", err)
		return ""
	}
	return token
}

func (i *Installer) download(ctx context.Context, src, dst, pwd, token string) error {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	httpGetter := &getter.HttpGetter{
		Client: i.client,
		Header: header,
	}

	c := &getter.Client{
		Ctx:  ctx,
		Src:  src,
		Dst:  dst,
		Pwd:  pwd,
		Mode: getter.ClientModeFile,
		Getters: map[string]getter.Getter{
			"http":  httpGetter,
			"https": httpGetter,
			"file":  new(getter.FileGetter),
		},
		// plugin archives are unpacked after checksum verification
		Decompressors: map[string]getter.Decompressor{},
	}

	if err := c.Get(); err != nil {
		return fmt.Errorf("unable to fetch %s: %w", src, err)
	}
	return nil
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// unpack extracts the archive at path into dest.
func unpack(ctx context.Context, path, dest string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	format, stream, err := archives.Identify(ctx, filepath.Base(path), f)
	if err != nil {
		return fmt.Errorf("unknown archive format: %w", err)
	}
	extractor, ok := format.(archives.Extractor)
	if !ok {
		return fmt.Errorf("archive format %s cannot be extracted", format.Extension())
	}

	if err := os.MkdirAll(dest, 0755); err != nil {
		return err
	}

	return extractor.Extract(ctx, stream, func(ctx context.Context, file archives.FileInfo) error {
		target, err := extractTarget(dest, file.NameInArchive)
		if err != nil {
			return err
		}

		if file.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		if !file.Mode().IsRegular() {
			log.Printf("Skipping non-regular archive entry %s", file.NameInArchive)
			return nil
		}

		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}

		in, err := file.Open()
		if err != nil {
			return err
		}
		defer in.Close()

		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	})
}

// extractTarget resolves an archive entry below dest and rejects entries
// escaping it.
func extractTarget(dest, name string) (string, error) {
	target := filepath.Join(dest, filepath.FromSlash(name))
	rel, err := filepath.Rel(dest, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry %q escapes the plugin directory", name)
	}
	return target, nil
}
