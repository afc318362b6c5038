package launcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// KubernetesConfig holds configuration for the Kubernetes launcher.
type KubernetesConfig struct {
	// Namespace where run Jobs are created
	Namespace string
	// ServiceAccount for run pods (optional)
	ServiceAccount string
	// Default resource limits for run pods
	DefaultCPULimit    string
	DefaultMemoryLimit string
}

// KubernetesLauncher runs execution units as Kubernetes batch Jobs.
type KubernetesLauncher struct {
	clientset kubernetes.Interface
	config    KubernetesConfig
}

// homeDir returns the user's home directory.
func homeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	return os.Getenv("USERPROFILE") // Windows
}

// NewKubernetesLauncher creates a new Kubernetes-based launcher.
// Tries in-cluster configuration first, falls back to kubeconfig for
// local development.
func NewKubernetesLauncher(cfg KubernetesConfig) (*KubernetesLauncher, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := filepath.Join(homeDir(), ".kube", "config")
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to build kubernetes config: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes clientset: %w", err)
	}

	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.DefaultCPULimit == "" {
		cfg.DefaultCPULimit = "500m"
	}
	if cfg.DefaultMemoryLimit == "" {
		cfg.DefaultMemoryLimit = "256Mi"
	}

	return &KubernetesLauncher{
		clientset: clientset,
		config:    cfg,
	}, nil
}

// Launch implements Launcher.Launch by creating a Kubernetes Job.
func (k *KubernetesLauncher) Launch(ctx context.Context, spec LaunchSpec) (Handle, error) {
	jobName := fmt.Sprintf("flow-run-%s", spec.RunID)

	var envVars []corev1.EnvVar
	for key, value := range spec.Env {
		envVars = append(envVars, corev1.EnvVar{Name: key, Value: value})
	}

	resources := corev1.ResourceRequirements{
		Limits: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse(k.config.DefaultCPULimit),
			corev1.ResourceMemory: resource.MustParse(k.config.DefaultMemoryLimit),
		},
	}

	// BackoffLimit 0: the runner owns retry semantics, not kubernetes.
	backoffLimit := int32(0)
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName,
			Namespace: k.config.Namespace,
			Labels: map[string]string{
				"app.kubernetes.io/managed-by": "flowplane",
				"flowplane.io/run-id":          spec.RunID.String(),
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{
						"job-name":                     jobName,
						"app.kubernetes.io/managed-by": "flowplane",
					},
				},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:      "flow",
							Image:     spec.Image,
							Command:   spec.Command,
							Env:       envVars,
							Resources: resources,
						},
					},
				},
			},
		},
	}

	if k.config.ServiceAccount != "" {
		job.Spec.Template.Spec.ServiceAccountName = k.config.ServiceAccount
	}

	created, err := k.clientset.BatchV1().Jobs(k.config.Namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes job: %w", err)
	}

	return &kubernetesHandle{
		clientset: k.clientset,
		namespace: k.config.Namespace,
		jobName:   created.Name,
		startedAt: time.Now(),
	}, nil
}

// kubernetesHandle represents one run's Kubernetes Job.
type kubernetesHandle struct {
	clientset kubernetes.Interface
	namespace string
	jobName   string
	startedAt time.Time
}

func (h *kubernetesHandle) Ref() string {
	return h.namespace + "/" + h.jobName
}

func (h *kubernetesHandle) StartedAt() time.Time {
	return h.startedAt
}

// Poll implements Handle.Poll by reading Job status. A Job object that
// no longer exists reports Lost: something outside the runner deleted
// it, so no exit outcome can ever be observed.
func (h *kubernetesHandle) Poll(ctx context.Context) (PollResult, error) {
	job, err := h.clientset.BatchV1().Jobs(h.namespace).Get(ctx, h.jobName, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return PollResult{State: StateLost, Reason: "job object disappeared"}, nil
		}
		return PollResult{}, fmt.Errorf("failed to get job %s: %w", h.jobName, err)
	}

	if job.Status.Succeeded > 0 {
		return PollResult{State: StateExited, ExitCode: 0}, nil
	}
	if job.Status.Failed > 0 {
		return PollResult{State: StateExited, ExitCode: h.failedExitCode(ctx), Reason: failureReason(job)}, nil
	}
	return PollResult{State: StateRunning}, nil
}

// failedExitCode reads the container exit code from the run pod, falling
// back to 1 when the pod is already gone.
func (h *kubernetesHandle) failedExitCode(ctx context.Context) int {
	pods, err := h.clientset.CoreV1().Pods(h.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("job-name=%s", h.jobName),
	})
	if err != nil || len(pods.Items) == 0 {
		return 1
	}

	for _, cs := range pods.Items[0].Status.ContainerStatuses {
		if cs.State.Terminated != nil && cs.State.Terminated.ExitCode != 0 {
			return int(cs.State.Terminated.ExitCode)
		}
	}
	return 1
}

func failureReason(job *batchv1.Job) string {
	for _, cond := range job.Status.Conditions {
		if cond.Type == batchv1.JobFailed && cond.Status == corev1.ConditionTrue {
			return cond.Reason
		}
	}
	return ""
}

// Terminate implements Handle.Terminate by deleting the Job with the
// grace period applied to its pods.
func (h *kubernetesHandle) Terminate(ctx context.Context, grace time.Duration) error {
	graceSecs := int64(grace.Seconds())
	propagation := metav1.DeletePropagationForeground
	err := h.clientset.BatchV1().Jobs(h.namespace).Delete(ctx, h.jobName, metav1.DeleteOptions{
		GracePeriodSeconds: &graceSecs,
		PropagationPolicy:  &propagation,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete job %s: %w", h.jobName, err)
	}
	return nil
}
