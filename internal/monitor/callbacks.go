package monitor

import (
	"context"

	"github.com/deploysalon/coordinator/internal/model"
	"github.com/deploysalon/coordinator/internal/salon"
)

// Deploy pipeline callbacks. Unknown salons and unknown deploy ids are
// soft failures: the pipeline retries and may race manual cleanup, so
// callers treat the returned error as log-only.

// OnDeployBegan registers a deploy reported by the pipeline.
func (m *Monitor) OnDeployBegan(ctx context.Context, req model.DeployBeginRequest) error {
	s, err := m.manager.ByName(ctx, req.Salon)
	if err != nil {
		return err
	}
	s.DeployBegan(req.ID, req.Who, req.Args, req.LogPath, req.HostCount)
	return nil
}

// OnDeployProgress records a host completion report.
func (m *Monitor) OnDeployProgress(ctx context.Context, req model.DeployProgressRequest) error {
	s, err := m.manager.ByName(ctx, req.Salon)
	if err != nil {
		return err
	}
	s.DeployProgress(req.ID, req.Host, req.Index)
	return nil
}

// OnDeployError records a non-fatal deploy error.
func (m *Monitor) OnDeployError(ctx context.Context, req model.DeployErrorRequest) error {
	s, err := m.manager.ByName(ctx, req.Salon)
	if err != nil {
		return err
	}
	s.DeployError(req.ID, req.Error)
	return nil
}

// OnDeployEnded removes a completed deploy.
func (m *Monitor) OnDeployEnded(ctx context.Context, req model.DeployEndRequest) error {
	s, err := m.manager.ByName(ctx, req.Salon)
	if err != nil {
		return err
	}
	s.DeployEnded(req.ID, req.FailedHosts)
	return nil
}

// OnDeployAborted removes an aborted deploy.
func (m *Monitor) OnDeployAborted(ctx context.Context, req model.DeployAbortRequest) error {
	s, err := m.manager.ByName(ctx, req.Salon)
	if err != nil {
		return err
	}
	s.DeployAborted(req.ID, req.Reason)
	return nil
}

// SalonStatus reports a salon's admission, busyness, and hold state.
func (m *Monitor) SalonStatus(ctx context.Context, name string) (model.SalonStatusResponse, error) {
	s, err := m.manager.ByName(ctx, name)
	if err != nil {
		return model.SalonStatusResponse{}, err
	}
	return s.Status(m.clock()), nil
}

// HoldSalon suspends deploys in one salon via the admin surface. An empty
// or unrecognized type is a manual hold.
func (m *Monitor) HoldSalon(ctx context.Context, name, typ, reason string) error {
	s, err := m.manager.ByName(ctx, name)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = defaultHoldReason
	}
	s.Hold(holdType(typ), reason)
	return nil
}

// UnholdSalon lifts a salon's hold.
func (m *Monitor) UnholdSalon(ctx context.Context, name string) error {
	s, err := m.manager.ByName(ctx, name)
	if err != nil {
		return err
	}
	s.Unhold()
	return nil
}

// HoldAll suspends deploys in every salon, returning how many were held.
func (m *Monitor) HoldAll(ctx context.Context, typ, reason string) (int, error) {
	salons, err := m.manager.All(ctx)
	if err != nil {
		return 0, err
	}
	if reason == "" {
		reason = defaultHoldReason
	}
	for _, s := range salons {
		s.Hold(holdType(typ), reason)
	}
	return len(salons), nil
}

// UnholdAll lifts every salon's hold, returning how many were touched.
func (m *Monitor) UnholdAll(ctx context.Context) (int, error) {
	salons, err := m.manager.All(ctx)
	if err != nil {
		return 0, err
	}
	for _, s := range salons {
		s.Unhold()
	}
	return len(salons), nil
}

// Announce broadcasts a message to every salon channel.
func (m *Monitor) Announce(ctx context.Context, message string) error {
	return m.manager.Announce(ctx, message)
}

// SalonNames lists every configured salon by name.
func (m *Monitor) SalonNames(ctx context.Context) ([]string, error) {
	salons, err := m.manager.All(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(salons))
	for _, s := range salons {
		names = append(names, s.Name())
	}
	return names, nil
}

func holdType(typ string) salon.HoldType {
	if typ == string(salon.HoldFreeze) {
		return salon.HoldFreeze
	}
	return salon.HoldManual
}
