package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/tools/record"
	"k8s.io/klog/v2"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/predicate"
)

const (
	// RoleLabel selects the pods that are workers and carries their role.
	RoleLabel = "disagg.x-k8s.io/role"
	// RankLabel is optional, the rank defaults to 0.
	RankLabel = "disagg.x-k8s.io/rank"
	// DescriptorAnnotation optionally holds the JSON worker descriptor. The pod name, role
	// label and pod IP fill in what it leaves out.
	DescriptorAnnotation = "disagg.x-k8s.io/worker"

	DefaultPodResyncPeriod = 5 * time.Second
)

// PodReconciler registers ready pods labelled with a worker role and deregisters them once they
// turn unready or go away. Ready pods are requeued periodically, each pass counts as a heartbeat.
type PodReconciler struct {
	client.Client
	Scheme       *runtime.Scheme
	Record       record.EventRecorder
	Namespace    string
	TargetPort   int
	ResyncPeriod time.Duration
	Registry     *Registry
}

func (c *PodReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	klog.V(2).Infof("Reconciling Pod %v", req.NamespacedName)

	pod := &corev1.Pod{}
	if err := c.Get(ctx, req.NamespacedName, pod); err != nil {
		if apierrors.IsNotFound(err) {
			c.Registry.Deregister(req.Name)
			return ctrl.Result{}, nil
		}
		klog.Errorf("unable to get Pod: %v", err)
		return ctrl.Result{}, err
	}

	if !podReady(pod) {
		if c.Registry.Deregister(pod.Name) {
			klog.V(1).Infof("Pod %s is not ready, removed worker", pod.Name)
		}
		return ctrl.Result{}, nil
	}

	w, err := c.workerFor(pod)
	if err != nil {
		klog.Errorf("Skipping pod %s: %v", pod.Name, err)
		c.event(pod, corev1.EventTypeWarning, "InvalidWorker", err)
		return ctrl.Result{}, nil
	}
	if err := c.Registry.Register(w); err != nil {
		klog.Errorf("Failed to register pod %s: %v", pod.Name, err)
		c.event(pod, corev1.EventTypeWarning, "RegistrationFailed", err)
		// A rank conflict may clear once the holder goes away.
		return ctrl.Result{RequeueAfter: c.resyncPeriod()}, nil
	}
	return ctrl.Result{RequeueAfter: c.resyncPeriod()}, nil
}

func (c *PodReconciler) workerFor(pod *corev1.Pod) (*Worker, error) {
	w := &Worker{}
	if desc, ok := pod.Annotations[DescriptorAnnotation]; ok {
		if err := json.Unmarshal([]byte(desc), w); err != nil {
			return nil, fmt.Errorf("malformed %s annotation: %v", DescriptorAnnotation, err)
		}
	}
	w.ID = pod.Name
	w.Role = Role(pod.Labels[RoleLabel])
	if rank, ok := pod.Labels[RankLabel]; ok {
		n, err := strconv.Atoi(rank)
		if err != nil {
			return nil, fmt.Errorf("malformed %s label %q: %v", RankLabel, rank, err)
		}
		w.Rank = n
	}
	if w.Address == "" {
		if pod.Status.PodIP == "" {
			return nil, fmt.Errorf("pod has no IP yet")
		}
		w.Address = net.JoinHostPort(pod.Status.PodIP, strconv.Itoa(c.TargetPort))
	}
	return w, nil
}

func (c *PodReconciler) event(pod *corev1.Pod, typ, reason string, err error) {
	if c.Record != nil {
		c.Record.Event(pod, typ, reason, err.Error())
	}
}

func (c *PodReconciler) resyncPeriod() time.Duration {
	if c.ResyncPeriod > 0 {
		return c.ResyncPeriod
	}
	return DefaultPodResyncPeriod
}

func (c *PodReconciler) SetupWithManager(mgr ctrl.Manager) error {
	isWorker := func(object client.Object) bool {
		if c.Namespace != "" && object.GetNamespace() != c.Namespace {
			return false
		}
		_, ok := object.GetLabels()[RoleLabel]
		return ok
	}

	return ctrl.NewControllerManagedBy(mgr).
		For(&corev1.Pod{}, builder.WithPredicates(predicate.NewPredicateFuncs(isWorker))).
		Complete(c)
}

func podReady(pod *corev1.Pod) bool {
	if pod.DeletionTimestamp != nil {
		return false
	}
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}
