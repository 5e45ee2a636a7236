package sourcemap

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/angeld23/axosync/internal/errs"
)

// node is shorthand for building test trees.
func node(name, class string, children ...*Instance) *Instance {
	return &Instance{Name: name, ClassName: class, Children: children}
}

// testTree returns game > {Workspace > {Baseplate}, ReplicatedStorage}.
func testTree() *Instance {
	return node("game", "DataModel",
		node("Workspace", "Workspace",
			node("Baseplate", "Part"),
		),
		node("ReplicatedStorage", "ReplicatedStorage"),
	)
}

func mustApply(t *testing.T, root *Instance, patches ...Patch) *Instance {
	t.Helper()

	out, err := Apply(root, patches)
	if err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}
	return out
}

func assertTree(t *testing.T, got, want *Instance) {
	t.Helper()

	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("tree mismatch (-want +got):\n%s", diff)
	}
}

func TestApply_InsertAppends(t *testing.T) {
	got := mustApply(t, testTree(), Patch{
		Path:  []string{"Workspace", "Spawn"},
		Value: node("Spawn", "SpawnLocation"),
	})

	want := testTree()
	want.Children[0].Children = append(want.Children[0].Children, node("Spawn", "SpawnLocation"))
	assertTree(t, got, want)
}

func TestApply_ReplaceExisting(t *testing.T) {
	got := mustApply(t, testTree(), Patch{
		Path:  []string{"Workspace"},
		Value: &Instance{Name: "Workspace", ClassName: "Workspace", FilePaths: []string{"src/workspace"}},
	})

	if len(got.Children) != 2 {
		t.Fatalf("Expected 2 top-level children, got %d", len(got.Children))
	}
	ws := got.Children[0]
	if ws.Name != "Workspace" || len(ws.FilePaths) != 1 {
		t.Errorf("Expected replaced Workspace with file paths, got %+v", ws)
	}
	if len(ws.Children) != 0 {
		t.Errorf("Expected children to be overwritten, got %d children", len(ws.Children))
	}
}

func TestApply_PreserveChildren(t *testing.T) {
	root := node("game", "DataModel",
		node("X", "Folder", node("C1", "Part")),
	)

	got := mustApply(t, root, Patch{
		Path:                []string{"X"},
		Value:               node("X", "Model", node("C2", "Part")),
		NoOverwriteChildren: true,
	})

	want := node("game", "DataModel",
		node("X", "Model", node("C1", "Part")),
	)
	assertTree(t, got, want)
}

func TestApply_PreserveChildrenOnInsertKeepsValueChildren(t *testing.T) {
	got := mustApply(t, node("game", "DataModel"), Patch{
		Path:                []string{"X"},
		Value:               node("X", "Model", node("C2", "Part")),
		NoOverwriteChildren: true,
	})

	want := node("game", "DataModel", node("X", "Model", node("C2", "Part")))
	assertTree(t, got, want)
}

func TestApply_PreserveChildrenIsShallow(t *testing.T) {
	root := node("game", "DataModel",
		node("X", "Folder",
			node("Y", "Folder", node("Deep", "Part")),
		),
	)

	// Only X's children are carried over; Y inside the value is not merged
	got := mustApply(t, root, Patch{
		Path:                []string{"X"},
		Value:               node("X", "Folder", node("Y", "Folder")),
		NoOverwriteChildren: true,
	})

	if got.Children[0].Children[0].Children[0].Name != "Deep" {
		t.Errorf("Expected original descendants to survive, got %+v", got.Children[0])
	}
}

func TestApply_FirstMatchWinsOnUpsert(t *testing.T) {
	root := node("game", "DataModel",
		node("X", "ClassA"),
		node("X", "ClassB"),
	)

	got := mustApply(t, root, Patch{Path: []string{"X"}, Value: node("X", "ClassC")})

	want := node("game", "DataModel",
		node("X", "ClassC"),
		node("X", "ClassB"),
	)
	assertTree(t, got, want)
}

func TestApply_FirstMatchWinsOnWalk(t *testing.T) {
	root := node("game", "DataModel",
		node("X", "Folder"),
		node("X", "Folder", node("Inner", "Part")),
	)

	// The walk enters the first X, which has no Inner, so Inner is appended there
	got := mustApply(t, root, Patch{Path: []string{"X", "Inner"}, Value: node("Inner", "Model")})

	want := node("game", "DataModel",
		node("X", "Folder", node("Inner", "Model")),
		node("X", "Folder", node("Inner", "Part")),
	)
	assertTree(t, got, want)
}

func TestApply_DeleteRemovesAllMatches(t *testing.T) {
	root := node("game", "DataModel",
		node("X", "ClassA"),
		node("Keep", "Folder"),
		node("X", "ClassB"),
	)

	got := mustApply(t, root, Patch{Path: []string{"X"}})

	assertTree(t, got, node("game", "DataModel", node("Keep", "Folder")))
}

func TestApply_DeleteDuplicatesLeavesEmptyList(t *testing.T) {
	root := node("game", "DataModel",
		node("X", "ClassA"),
		node("X", "ClassB"),
	)

	got := mustApply(t, root, Patch{Path: []string{"X"}})

	if len(got.Children) != 0 {
		t.Errorf("Expected empty child list, got %d children", len(got.Children))
	}
}

func TestApply_DeleteMissingIsNoop(t *testing.T) {
	got := mustApply(t, testTree(), Patch{Path: []string{"Workspace", "Nope"}})
	assertTree(t, got, testTree())
}

func TestApply_Ordering(t *testing.T) {
	insert := Patch{Path: []string{"A"}, Value: node("A", "Folder")}
	remove := Patch{Path: []string{"A"}}

	got := mustApply(t, node("game", "DataModel"), insert, remove)
	if got.FindFirstChild("A") != nil {
		t.Error("Expected [insert A, delete A] to leave no A")
	}

	got = mustApply(t, node("game", "DataModel", node("A", "Old")), remove, insert)
	if len(got.Children) != 1 || got.Children[0].ClassName != "Folder" {
		t.Errorf("Expected exactly one inserted A, got %+v", got.Children)
	}
}

func TestApply_LaterPatchesSeeEarlierResults(t *testing.T) {
	got := mustApply(t, node("game", "DataModel"),
		Patch{Path: []string{"A"}, Value: node("A", "Folder")},
		Patch{Path: []string{"A", "B"}, Value: node("B", "Folder")},
		Patch{Path: []string{"A", "B", "C"}, Value: node("C", "Part")},
	)

	want := node("game", "DataModel",
		node("A", "Folder", node("B", "Folder", node("C", "Part"))),
	)
	assertTree(t, got, want)
}

func TestApply_Idempotent(t *testing.T) {
	batch := []Patch{
		{Path: []string{"Workspace", "Spawn"}, Value: node("Spawn", "SpawnLocation")},
		{Path: []string{"ReplicatedStorage"}},
		{Path: []string{"Workspace"}, Value: node("Workspace", "Workspace"), NoOverwriteChildren: true},
		{Path: []string{"Lighting"}, Value: node("Lighting", "Lighting", node("Sky", "Sky"))},
	}

	once := mustApply(t, testTree(), batch...)
	twice := mustApply(t, once, batch...)

	assertTree(t, twice, once)
}

func TestApply_EmptyPathReplacesRoot(t *testing.T) {
	replacement := node("new", "DataModel", node("Only", "Folder"))

	got := mustApply(t, testTree(), Patch{Value: replacement, NoOverwriteChildren: true})

	// NoOverwriteChildren has no effect on a whole-tree replacement
	assertTree(t, got, node("new", "DataModel", node("Only", "Folder")))
}

func TestApply_EmptyPathDeleteFails(t *testing.T) {
	_, err := Apply(testTree(), []Patch{{Path: []string{}}})
	if !errors.Is(err, errs.ErrAddress) {
		t.Fatalf("Expected address error, got %v", err)
	}

	var addrErr *errs.AddressError
	if !errors.As(err, &addrErr) {
		t.Fatalf("Expected *errs.AddressError, got %T", err)
	}
	if addrErr.Reason == "" {
		t.Error("Expected a reason for empty-address delete")
	}
}

func TestApply_MissingIntermediate(t *testing.T) {
	root := testTree()

	_, err := Apply(root, []Patch{
		{Path: []string{"ReplicatedStorage", "Shared"}, Value: node("Shared", "Folder")},
		{Path: []string{"A", "B"}, Value: node("B", "Folder")},
	})

	var addrErr *errs.AddressError
	if !errors.As(err, &addrErr) {
		t.Fatalf("Expected *errs.AddressError, got %v", err)
	}
	if addrErr.Index != 1 {
		t.Errorf("Expected failing index 1, got %d", addrErr.Index)
	}
	if addrErr.Segment != "A" {
		t.Errorf("Expected missing segment A, got %q", addrErr.Segment)
	}
	if addrErr.ParentClass != "DataModel" || addrErr.ParentName != "game" {
		t.Errorf("Expected parent DataModel game, got %s %s", addrErr.ParentClass, addrErr.ParentName)
	}

	// The first patch must not have leaked into the input tree
	assertTree(t, root, testTree())
}

func TestApply_DoesNotAliasInputs(t *testing.T) {
	root := testTree()
	value := node("Spawn", "SpawnLocation", node("Decal", "Decal"))

	got := mustApply(t, root, Patch{Path: []string{"Workspace", "Spawn"}, Value: value})

	got.Children[0].Children[1].Children[0].Name = "changed"
	got.Children[0].Name = "changed"

	if value.Children[0].Name != "Decal" {
		t.Error("Patch value was aliased into the result tree")
	}
	assertTree(t, root, testTree())
}

func TestApply_NilRoot(t *testing.T) {
	got := mustApply(t, nil, Patch{Path: []string{"A"}, Value: node("A", "Folder")})
	assertTree(t, got, &Instance{Children: []*Instance{node("A", "Folder")}})
}

func TestDecodeBatch(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int
		wantErr bool
	}{
		{"single patch", `[{"path": ["A"], "value": {"name": "A", "className": "Folder"}}]`, 1, false},
		{"trailing whitespace", "[{\"path\": [\"A\"]}]\n\t ", 1, false},
		{"empty array", `[]`, 0, false},
		{"trailing garbage", `[{"path": ["A"], "value": {"name": "A", "className": "Folder"}}] }}not json`, 0, true},
		{"second array", `[] []`, 0, true},
		{"truncated", `[{"path": ["A"]`, 0, true},
		{"not an array", `{"path": []}`, 0, true},
		{"empty input", ``, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			patches, err := DecodeBatch(strings.NewReader(tt.input))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Expected error, got %d patch(es)", len(patches))
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeBatch() failed: %v", err)
			}
			if len(patches) != tt.want {
				t.Errorf("Expected %d patch(es), got %d", tt.want, len(patches))
			}
		})
	}
}
