package syncengine

import (
	"context"
	"encoding/json"

	"github.com/g960059/agthub/internal/api"
	"github.com/g960059/agthub/internal/db"
	"github.com/g960059/agthub/internal/model"
)

// MachineView is a stored machine with its live presence.
type MachineView struct {
	model.Machine
	Online bool
}

func (v MachineView) API() api.Machine {
	return api.MachineFrom(v.Machine, v.Online)
}

func (e *Engine) machineView(m model.Machine) MachineView {
	m, online := e.withMachinePresence(m)
	return MachineView{Machine: m, Online: online}
}

// GetOrCreateMachine registers a machine id in namespace. An id owned by
// another namespace is access-denied.
func (e *Engine) GetOrCreateMachine(ctx context.Context, namespace, id string, metadata, runnerState json.RawMessage) (MachineView, error) {
	machine, created, err := e.store.GetOrCreateMachine(ctx, namespace, id, metadata, runnerState)
	if err != nil {
		return MachineView{}, storeError(err, "Machine")
	}
	out := Outcome[MachineView]{Result: e.machineView(machine)}
	if created {
		out.Effects = append(out.Effects, namespaceEffect(e.machineEvent(ctx, machine)))
	}
	return commit(ctx, e, out, nil)
}

func (e *Engine) GetMachine(ctx context.Context, namespace, id string) (MachineView, error) {
	machine, err := e.resolveMachine(ctx, namespace, id)
	if err != nil {
		return MachineView{}, err
	}
	return e.machineView(machine), nil
}

// ListMachines lists the machines of namespace, optionally only those with
// a heartbeat inside the online window.
func (e *Engine) ListMachines(ctx context.Context, namespace string, onlineOnly bool) ([]MachineView, error) {
	machines, err := e.store.ListMachines(ctx, namespace)
	if err != nil {
		return nil, err
	}
	out := make([]MachineView, 0, len(machines))
	for _, m := range machines {
		v := e.machineView(m)
		if onlineOnly && !v.Online {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func (e *Engine) UpdateMachineMetadata(ctx context.Context, namespace, id string, value json.RawMessage, expectedVersion int64) (model.UpdateResult, error) {
	out, err := e.planMachineCAS(ctx, namespace, id, value, expectedVersion, false)
	return commit(ctx, e, out, err)
}

func (e *Engine) UpdateMachineRunnerState(ctx context.Context, namespace, id string, value json.RawMessage, expectedVersion int64) (model.UpdateResult, error) {
	out, err := e.planMachineCAS(ctx, namespace, id, value, expectedVersion, true)
	return commit(ctx, e, out, err)
}

func (e *Engine) planMachineCAS(ctx context.Context, namespace, id string, value json.RawMessage, expected int64, runnerState bool) (Outcome[model.UpdateResult], error) {
	if len(value) > 0 && !json.Valid(value) {
		return Outcome[model.UpdateResult]{}, newError(model.KindValidation, model.CodeInvalidBody, "Invalid body")
	}
	if _, err := e.resolveMachine(ctx, namespace, id); err != nil {
		return Outcome[model.UpdateResult]{}, err
	}
	var (
		res model.UpdateResult
		err error
	)
	if runnerState {
		res, err = e.store.UpdateMachineRunnerState(ctx, namespace, id, value, expected, db.DefaultUpdate)
	} else {
		res, err = e.store.UpdateMachineMetadata(ctx, namespace, id, value, expected, db.DefaultUpdate)
	}
	if err != nil {
		return Outcome[model.UpdateResult]{Result: res}, storeError(err, "Machine")
	}
	out := Outcome[model.UpdateResult]{Result: res}
	if res.Status != model.UpdateSuccess {
		return out, nil
	}
	body := api.UpdateMachineBody{T: api.BodyUpdateMachine, MachineID: id}
	changed := &api.VersionedValue{Value: orNull(res.Value), Version: res.Version}
	if runnerState {
		body.RunnerState = changed
	} else {
		body.Metadata = changed
	}
	out.Effects = append(out.Effects, roomEffect(MachineRoom(id), body))
	if machine, err := e.store.GetMachine(ctx, id); err == nil {
		out.Effects = append(out.Effects, namespaceEffect(e.machineEvent(ctx, machine)))
	}
	return out, nil
}

// MachineRoom is the room agent connections of a machine join.
func MachineRoom(machineID string) string {
	return "machine:" + machineID
}
