package k8s

import (
	"os"
	"path/filepath"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
	"k8s.io/klog/v2"
)

// NewClient builds a clientset from the in-cluster config, falling back to
// kubeconfig (explicit path, $KUBECONFIG, then ~/.kube/config).
func NewClient(kubeconfig string) (*kubernetes.Clientset, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		klog.V(4).InfoS("InClusterConfig failed, trying local kubeconfig", "err", err)

		kubeconfigPath := kubeconfig
		if kubeconfigPath == "" {
			if envVar := os.Getenv("KUBECONFIG"); envVar != "" {
				kubeconfigPath = envVar
			} else if home := homedir.HomeDir(); home != "" {
				kubeconfigPath = filepath.Join(home, ".kube", "config")
			}
		}

		config, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
		if err != nil {
			return nil, err
		}
	}
	config.UserAgent = "dquotd"

	return kubernetes.NewForConfig(config)
}
