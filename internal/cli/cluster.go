package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/ppiankov/wafpolicy/internal/compiler"
	"github.com/ppiankov/wafpolicy/internal/config"
	"github.com/ppiankov/wafpolicy/internal/resource"
	"github.com/ppiankov/wafpolicy/internal/schema"
)

const defaultConfigPath = "/etc/wafpolicy/config.yaml"

// addSourceFlags registers the flags shared by commands that run a pass.
func addSourceFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", defaultConfigPath, "Path to config file")
	cmd.Flags().String("policy-file", "", "Compile a local policy file instead of cluster resources")
	cmd.Flags().String("output-path", "", "Policy output path (overrides config)")
	cmd.Flags().StringSlice("namespace", nil, "Limit ingress discovery to these namespaces")
	cmd.Flags().String("class", "", "Policy class name (overrides config and environment)")
	cmd.Flags().Bool("standalone", false, "Render nginx proxy configuration")
	cmd.Flags().String("kubeconfig", "", "Path to kubeconfig")
	cmd.Flags().String("context", "", "Kubernetes context to use")
	cmd.MarkFlagFilename("config", "yaml", "yml")              //nolint:errcheck // flag registered above
	cmd.MarkFlagFilename("policy-file", "yaml", "yml", "json") //nolint:errcheck // flag registered above
}

// loadConfig reads the config file and applies flag and environment overrides.
// A missing file at the default path falls back to defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfgPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}

	cfg := config.Defaults()
	if cfgPath != "" {
		if _, statErr := os.Stat(cfgPath); statErr == nil {
			cfg, err = config.Load(cfgPath)
			if err != nil {
				return nil, fmt.Errorf("loading config: %w", err)
			}
		} else if cfgPath != defaultConfigPath {
			return nil, fmt.Errorf("config file not found: %s", cfgPath)
		}
	}

	flags := cmd.Flags()
	if v, _ := flags.GetString("policy-file"); v != "" { //nolint:errcheck // flag registered in addSourceFlags
		cfg.Source = config.SourceFile
		cfg.PolicyFile = v
	}
	if v, _ := flags.GetString("output-path"); v != "" { //nolint:errcheck // flag registered in addSourceFlags
		cfg.OutputPath = v
	}
	if v, _ := flags.GetStringSlice("namespace"); len(v) > 0 { //nolint:errcheck // flag registered in addSourceFlags
		cfg.Namespaces = v
	}
	if v, _ := flags.GetString("class"); v != "" { //nolint:errcheck // flag registered in addSourceFlags
		cfg.ClassName = v
	}
	if v, _ := flags.GetBool("standalone"); v { //nolint:errcheck // flag registered in addSourceFlags
		cfg.Proxy.Enabled = true
	}
	if v, _ := cmd.Flags().GetString("otel-endpoint"); v != "" { //nolint:errcheck // persistent flag on root
		cfg.OTLPEndpoint = v
	}
	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// clusterOptions connects to the cluster when the config reads cluster
// resources. File-sourced passes need no clients.
func clusterOptions(cmd *cobra.Command, cfg *config.Config) ([]compiler.Option, error) {
	if cfg.Source != config.SourceKubernetes {
		return nil, nil
	}

	kubeconfig, err := cmd.Flags().GetString("kubeconfig")
	if err != nil {
		return nil, err
	}
	kubeCtx, err := cmd.Flags().GetString("context")
	if err != nil {
		return nil, err
	}

	restCfg, err := buildRESTConfig(kubeconfig, kubeCtx)
	if err != nil {
		return nil, fmt.Errorf("building kubeconfig: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client: %w", err)
	}

	dynClient, err := dynamic.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("creating dynamic client: %w", err)
	}

	installed := 0
	for _, v := range []schema.Version{schema.V1Beta1, schema.V1Beta2} {
		if resource.CRDInstalled(clientset.Discovery(), v) {
			installed++
			slog.Debug("policy resources installed", "version", v)
		}
	}
	if installed == 0 {
		slog.Warn("no openappsec.io policy resources registered in the cluster")
	}

	return []compiler.Option{compiler.WithCluster(clientset, resource.NewKubeClient(dynClient))}, nil
}

// buildRESTConfig tries in-cluster config first, falls back to kubeconfig.
func buildRESTConfig(kubeconfig, kubeCtx string) (*rest.Config, error) {
	// Try in-cluster first when no explicit flags are given
	if kubeconfig == "" && kubeCtx == "" {
		cfg, err := rest.InClusterConfig()
		if err == nil {
			return cfg, nil
		}
	}

	// Fall back to kubeconfig (respects KUBECONFIG env var)
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfig != "" {
		loadingRules.ExplicitPath = kubeconfig
	}
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		loadingRules,
		&clientcmd.ConfigOverrides{CurrentContext: kubeCtx},
	).ClientConfig()
}
