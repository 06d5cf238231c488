package models

import (
	"errors"
	"reflect"
	"testing"

	"github.com/mmdatafocus/stockflow_backend/utils"
)

func activeLink(origin, destination string) ProductCodeLink {
	return ProductCodeLink{OriginCode: origin, DestinationCode: destination, IsActive: true}
}

func TestClusterFromActiveLinks_NoLinks(t *testing.T) {
	cluster, err := clusterFromActiveLinks("A", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(cluster, []string{"A"}) {
		t.Fatalf("expected {A}; got %v", cluster)
	}
}

func TestClusterFromActiveLinks_StarFromCenter(t *testing.T) {
	links := []ProductCodeLink{
		activeLink("A", "C"),
		activeLink("B", "C"),
	}
	cluster, err := clusterFromActiveLinks("C", links)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(cluster, []string{"A", "B", "C"}) {
		t.Fatalf("expected {A B C}; got %v", cluster)
	}
}

func TestClusterFromActiveLinks_StarFromLeaf(t *testing.T) {
	// Resolving a leaf must pull in the center and its other leaves.
	links := []ProductCodeLink{
		activeLink("A", "C"),
		activeLink("B", "C"),
	}
	cluster, err := clusterFromActiveLinks("A", links)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(cluster, []string{"A", "B", "C"}) {
		t.Fatalf("expected {A B C}; got %v", cluster)
	}
}

func TestClusterFromActiveLinks_TwoOutgoingEdgesConflict(t *testing.T) {
	links := []ProductCodeLink{
		activeLink("A", "C"),
		activeLink("A", "D"),
	}
	_, err := clusterFromActiveLinks("A", links)
	if !errors.Is(err, utils.ErrInconsistentUnification) {
		t.Fatalf("expected ErrInconsistentUnification; got %v", err)
	}
}

func TestClusterFromActiveLinks_IgnoresUnrelatedLinks(t *testing.T) {
	links := []ProductCodeLink{
		activeLink("A", "C"),
		activeLink("X", "Y"),
	}
	cluster, err := clusterFromActiveLinks("A", links)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(cluster, []string{"A", "C"}) {
		t.Fatalf("expected {A C}; got %v", cluster)
	}
}
