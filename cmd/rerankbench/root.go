package rerankbench

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "rerankbench",
		Short: "Rerankbench: neural reranker experimentation tool",
		Long: `Rerankbench trains and evaluates neural rerankers over
relevance-judged document collections. It extracts passage features,
samples training triples and pairs, drives the training loop with
checkpointing and fast-forward resume, and writes TREC run files for
evaluation.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			initConfig()
		},
	}
)

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.rerankbench.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("dataset", "", "path to the training dataset manifest")
	rootCmd.PersistentFlags().String("dev-dataset", "", "path to the validation dataset manifest")
	rootCmd.PersistentFlags().String("run-dir", "", "experiment output directory")

	// Bind flags to viper
	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("dataset.manifest", rootCmd.PersistentFlags().Lookup("dataset"))
	viper.BindPFlag("dataset.dev_manifest", rootCmd.PersistentFlags().Lookup("dev-dataset"))
	viper.BindPFlag("dataset.run_dir", rootCmd.PersistentFlags().Lookup("run-dir"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		// Search config in home directory with name ".rerankbench" (without extension).
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".rerankbench")
	}

	viper.AutomaticEnv() // read in environment variables that match

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}
