package plugins

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/errwrap"
	"github.com/silas/dag"
	"github.com/vrsandeep/scm-server/internal/models"
	"github.com/vrsandeep/scm-server/internal/store"
)

type stageRoot struct{}

// apply stages every install and update of pending, then swaps the plugin
// directories. The installed directories are only touched once everything
// has been staged successfully.
func (m *Manager) apply(ctx context.Context, pending models.PendingChangeSet) error {
	if err := os.MkdirAll(m.pluginDir, 0755); err != nil {
		return &InstallationError{Kind: InstallationKindCommit, Message: "cannot create plugin directory", Cause: err}
	}
	stagingDir, err := os.MkdirTemp(m.pluginDir, ".staging-")
	if err != nil {
		return &InstallationError{Kind: InstallationKindCommit, Message: "cannot create staging directory", Cause: err}
	}
	defer func() {
		if err := os.RemoveAll(stagingDir); err != nil {
			log.Printf("Failed to remove staging directory %s: %v", stagingDir, err)
		}
	}()

	targets := make([]models.AvailablePlugin, 0, len(pending.NewInstalls)+len(pending.Updates))
	targets = append(targets, pending.NewInstalls...)
	for _, update := range pending.Updates {
		targets = append(targets, update.Available)
	}

	staged, err := m.stageAll(ctx, stagingDir, targets)
	if err != nil {
		var installErr *InstallationError
		if errors.As(err, &installErr) {
			m.publish(models.PluginEventInstallationFailed, installErr.Plugin)
		}
		return err
	}

	// Cancellation is honoured up to here; a started commit is finished.
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("plugin execution cancelled: %w", err)
	}

	if err := m.commit(pending, staged); err != nil {
		m.publish(models.PluginEventInstallationFailed, "")
		return err
	}

	for _, plugin := range targets {
		m.publish(models.PluginEventInstalled, plugin.Name())
	}
	for _, plugin := range pending.Uninstalls {
		m.publish(models.PluginEventUninstalled, plugin.Name())
	}
	return nil
}

// stageAll walks the dependency graph of targets so that dependencies are
// staged before the plugins depending on them. A failed plugin skips its
// dependents.
func (m *Manager) stageAll(ctx context.Context, stagingDir string, targets []models.AvailablePlugin) (map[string]*StagedPlugin, error) {
	staged := make(map[string]*StagedPlugin, len(targets))
	if len(targets) == 0 {
		return staged, nil
	}

	byName := make(map[string]models.AvailablePlugin, len(targets))
	for _, plugin := range targets {
		byName[plugin.Name()] = plugin
	}

	graph := &dag.AcyclicGraph{}
	root := stageRoot{}
	graph.Add(root)
	for _, plugin := range targets {
		graph.Add(plugin.Name())
	}
	for _, plugin := range targets {
		hasDeps := false
		for _, dependency := range plugin.Descriptor.Dependencies {
			if _, ok := byName[dependency]; ok {
				hasDeps = true
				graph.Connect(dag.BasicEdge(dependency, plugin.Name()))
			}
		}
		if !hasDeps {
			graph.Connect(dag.BasicEdge(root, plugin.Name()))
		}
	}

	graph.TransitiveReduction()
	if err := graph.Validate(); err != nil {
		return nil, &InstallationError{Kind: InstallationKindDependency, Message: "invalid dependency graph", Cause: err}
	}

	token := m.installer.AccessToken(ctx)

	var mu sync.Mutex
	w := dag.Walker{}
	w.Callback = func(v dag.Vertex) (diags dag.Diagnostics) {
		name, ok := v.(string)
		if !ok {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return diags.Append(&InstallationError{Plugin: name, Kind: InstallationKindDownload, Message: "cancelled", Cause: err})
		}

		result, err := m.installer.Stage(ctx, stagingDir, byName[name], token)
		if err != nil {
			log.Printf("Failed to stage plugin %s: %v", name, err)
			return diags.Append(err)
		}

		mu.Lock()
		staged[name] = result
		mu.Unlock()
		log.Printf("Staged plugin %s@%s", result.Name, result.Version)
		return nil
	}
	w.Reverse = false
	w.Update(graph)

	diags := w.Wait()
	if diags.HasErrors() {
		errs := []error{diags.Err()}
		if wrapper, ok := diags.Err().(errwrap.Wrapper); ok {
			errs = wrapper.WrappedErrors()
		}
		for _, err := range errs {
			var installErr *InstallationError
			if errors.As(err, &installErr) {
				return nil, installErr
			}
		}
		return nil, &InstallationError{Kind: InstallationKindDownload, Message: "staging failed", Cause: errs[0]}
	}
	return staged, nil
}

type undoStep struct {
	description string
	undo        func() error
}

// commit swaps the staged directories into place. Every step is recorded and
// undone in reverse order on the first failure.
func (m *Manager) commit(pending models.PendingChangeSet, staged map[string]*StagedPlugin) error {
	backupDir, err := os.MkdirTemp(m.pluginDir, ".backup-")
	if err != nil {
		return &InstallationError{Kind: InstallationKindCommit, Message: "cannot create backup directory", Cause: err}
	}

	var steps []undoStep
	rollback := func(cause *InstallationError) error {
		for i := len(steps) - 1; i >= 0; i-- {
			if err := steps[i].undo(); err != nil {
				log.Printf("Rollback of %s failed: %v", steps[i].description, err)
			}
		}
		if err := os.RemoveAll(backupDir); err != nil {
			log.Printf("Failed to remove backup directory %s: %v", backupDir, err)
		}
		return cause
	}

	moveAway := func(name, dir string) error {
		backup := filepath.Join(backupDir, filepath.Base(dir))
		if err := os.Rename(dir, backup); err != nil {
			return err
		}
		steps = append(steps, undoStep{
			description: "backup of " + name,
			undo:        func() error { return os.Rename(backup, dir) },
		})
		return nil
	}

	moveIn := func(name string) error {
		result, ok := staged[name]
		if !ok {
			return fmt.Errorf("plugin %s was not staged", name)
		}
		target := filepath.Join(m.pluginDir, SafeName(name))
		if _, err := os.Stat(target); err == nil {
			return fmt.Errorf("target directory %s already exists", target)
		}
		if err := os.Rename(result.Directory, target); err != nil {
			return err
		}
		steps = append(steps, undoStep{
			description: "installation of " + name,
			undo:        func() error { return os.RemoveAll(target) },
		})
		return nil
	}

	changes := make([]store.PluginChange, 0, len(staged)+len(pending.Uninstalls))

	for _, plugin := range pending.Uninstalls {
		if err := moveAway(plugin.Name(), plugin.Directory); err != nil {
			return rollback(&InstallationError{Plugin: plugin.Name(), Kind: InstallationKindCommit, Message: "failed to remove plugin directory", Cause: err})
		}
		changes = append(changes, store.PluginChange{Name: plugin.Name()})
	}

	for _, update := range pending.Updates {
		name := update.Installed.Name()
		if err := moveAway(name, update.Installed.Directory); err != nil {
			return rollback(&InstallationError{Plugin: name, Kind: InstallationKindCommit, Message: "failed to replace plugin directory", Cause: err})
		}
		if err := moveIn(name); err != nil {
			return rollback(&InstallationError{Plugin: name, Kind: InstallationKindCommit, Message: "failed to install update", Cause: err})
		}
		changes = append(changes, store.PluginChange{Name: name, Version: staged[name].Version, Checksum: staged[name].Checksum})
	}

	for _, plugin := range pending.NewInstalls {
		name := plugin.Name()
		if err := moveIn(name); err != nil {
			return rollback(&InstallationError{Plugin: name, Kind: InstallationKindCommit, Message: "failed to install plugin", Cause: err})
		}
		changes = append(changes, store.PluginChange{Name: name, Version: staged[name].Version, Checksum: staged[name].Checksum})
	}

	if err := m.store.ApplyPluginChanges(changes); err != nil {
		return rollback(&InstallationError{Kind: InstallationKindCommit, Message: "failed to record plugin changes", Cause: err})
	}

	if err := os.RemoveAll(backupDir); err != nil {
		log.Printf("Failed to remove backup directory %s: %v", backupDir, err)
	}
	log.Printf("Committed %d plugin change(s)", len(changes))
	return nil
}
