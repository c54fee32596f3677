package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/cobra"

	"github.com/picklr-io/lampstack/internal/state"
)

var workspaceCmd = &cobra.Command{
	Use:   "workspace",
	Short: "Manage workspaces",
	Long: `Workspaces allow you to manage multiple distinct sets of infrastructure
resources with the same configuration. Each workspace has its own state.

The default workspace is called "default".`,
}

var workspaceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workspaces",
	RunE:  runWorkspaceList,
}

var workspaceNewCmd = &cobra.Command{
	Use:   "new <name>",
	Short: "Create a new workspace",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkspaceNew,
}

var workspaceSelectCmd = &cobra.Command{
	Use:   "select <name>",
	Short: "Switch to another workspace",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkspaceSelect,
}

var workspaceDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a workspace",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkspaceDelete,
}

var workspaceShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current workspace name",
	RunE:  runWorkspaceShow,
}

func init() {
	workspaceCmd.AddCommand(workspaceListCmd)
	workspaceCmd.AddCommand(workspaceNewCmd)
	workspaceCmd.AddCommand(workspaceSelectCmd)
	workspaceCmd.AddCommand(workspaceDeleteCmd)
	workspaceCmd.AddCommand(workspaceShowCmd)
}

var workspaceName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

func workspaceFile(dir string) string {
	return filepath.Join(dir, "workspace")
}

func currentWorkspace(dir string) string {
	data, err := os.ReadFile(workspaceFile(dir))
	if err != nil {
		return state.DefaultWorkspace
	}
	ws := strings.TrimSpace(string(data))
	if ws == "" {
		return state.DefaultWorkspace
	}
	return ws
}

func workspaceExists(dir, name string) bool {
	if name == state.DefaultWorkspace {
		return true
	}
	_, err := os.Stat(filepath.Dir(state.LocalPath(dir, name)))
	return err == nil
}

func listWorkspaces(dir string) ([]string, error) {
	workspaces := []string{state.DefaultWorkspace}
	entries, err := os.ReadDir(filepath.Join(dir, "workspaces"))
	if errors.Is(err, fs.ErrNotExist) {
		return workspaces, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read workspaces: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() && entry.Name() != state.DefaultWorkspace {
			workspaces = append(workspaces, entry.Name())
		}
	}
	return workspaces, nil
}

func workspaceDir() (string, error) {
	p, err := openProject(nil)
	if err != nil {
		return "", err
	}
	return p.stateDir(), nil
}

func runWorkspaceList(cmd *cobra.Command, args []string) error {
	dir, err := workspaceDir()
	if err != nil {
		return err
	}
	workspaces, err := listWorkspaces(dir)
	if err != nil {
		return err
	}

	current := currentWorkspace(dir)
	for _, ws := range workspaces {
		if ws == current {
			fmt.Printf("* %s\n", ws)
		} else {
			fmt.Printf("  %s\n", ws)
		}
	}
	return nil
}

func runWorkspaceNew(cmd *cobra.Command, args []string) error {
	name := args[0]
	if name == state.DefaultWorkspace {
		return fmt.Errorf("cannot create a workspace named 'default' - it already exists")
	}
	if !workspaceName.MatchString(name) {
		return fmt.Errorf("invalid workspace name %q: use letters, digits, '-' and '_'", name)
	}
	dir, err := workspaceDir()
	if err != nil {
		return err
	}
	if workspaceExists(dir, name) {
		return fmt.Errorf("workspace %q already exists", name)
	}

	mgr := state.NewManager(state.LocalPath(dir, name))
	if err := mgr.Write(cmd.Context(), state.New()); err != nil {
		return fmt.Errorf("failed to create workspace state: %w", err)
	}
	if err := os.WriteFile(workspaceFile(dir), []byte(name), 0o644); err != nil {
		return fmt.Errorf("failed to switch workspace: %w", err)
	}

	fmt.Printf("Created and switched to workspace %q\n", name)
	return nil
}

func runWorkspaceSelect(cmd *cobra.Command, args []string) error {
	name := args[0]
	dir, err := workspaceDir()
	if err != nil {
		return err
	}
	if !workspaceExists(dir, name) {
		return fmt.Errorf("workspace %q does not exist", name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(workspaceFile(dir), []byte(name), 0o644); err != nil {
		return fmt.Errorf("failed to switch workspace: %w", err)
	}

	fmt.Printf("Switched to workspace %q\n", name)
	return nil
}

func runWorkspaceDelete(cmd *cobra.Command, args []string) error {
	name := args[0]
	if name == state.DefaultWorkspace {
		return fmt.Errorf("cannot delete the default workspace")
	}
	dir, err := workspaceDir()
	if err != nil {
		return err
	}
	if currentWorkspace(dir) == name {
		return fmt.Errorf("cannot delete the currently active workspace %q - switch to another workspace first", name)
	}
	if !workspaceExists(dir, name) {
		return fmt.Errorf("workspace %q does not exist", name)
	}

	mgr := state.NewManager(state.LocalPath(dir, name))
	s, err := mgr.Read(cmd.Context())
	if err != nil {
		return err
	}
	if len(s.Resources) > 0 {
		return fmt.Errorf("workspace %q still manages %d resource(s); destroy them first", name, len(s.Resources))
	}

	if err := os.RemoveAll(filepath.Dir(mgr.Path())); err != nil {
		return fmt.Errorf("failed to delete workspace state: %w", err)
	}

	fmt.Printf("Deleted workspace %q\n", name)
	return nil
}

func runWorkspaceShow(cmd *cobra.Command, args []string) error {
	dir, err := workspaceDir()
	if err != nil {
		return err
	}
	fmt.Println(currentWorkspace(dir))
	return nil
}
