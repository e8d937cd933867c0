package herd

import (
	"github.com/spf13/viper"
)

func loadConfig() {
	viper.SetConfigName("herdrc")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.herd")

	setupDefaults()

	viper.ReadInConfig()

	viper.SetEnvPrefix("herd")
	viper.AutomaticEnv()
}

func setupDefaults() {
	defaultSettings := map[string]interface{}{
		"bin_dir":              "bin",
		"server_binary":        "pdb-server",
		"coordinator_binary":   "pdb-cluster",
		"register_binary":      "CatalogTests",
		"shell":                "bash",
		"check_process_script": "./scripts/checkProcess.sh",
		"cleanup_script":       "./scripts/cleanupNode.sh",
		"num_threads":          1,
		"shared_memory_mb":     512, // Size of the shared memory pool of each node
		"coordinator_host":     "localhost",
		"coordinator_port":     8108,
		"num_workers":          4,  // Used when no topology file is given
		"topology_file":        "", // Newline separated worker addresses, local or s3://
		"node_name":            "worker",
		"standalone_address":   "localhost:8108",
		"readiness":            "dial",
		"standalone_settle":    "30s",
		"coordinator_settle":   "9s",
		"worker_settle":        "15s",
		"initial_reset_wait":   "0s",
		"reset_wait":           "20s",
		"shutdown_grace":       "10s",
		"phases":               []string{StandalonePhase, DistributedPhase},
		"strip_libraries":      "",
		"report_output":        "",
		"verbose":              false,
		"color":                true,
	}
	for key, value := range defaultSettings {
		viper.SetDefault(key, value)
	}

	aliases := map[string]string{
		"verbose":     "v",
		"num_workers": "workers",
	}
	for key, alias := range aliases {
		viper.RegisterAlias(alias, key)
	}
}
