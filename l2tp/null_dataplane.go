package l2tp

var _ DataPlane = (*nullDataPlane)(nil)
var _ TunnelDataPlane = (*nullTunnelDataPlane)(nil)

type nullDataPlane struct {
}

type nullTunnelDataPlane struct {
}

// NullDataPlane returns a DataPlane which does nothing, for use where the
// control connection alone is wanted.
func NullDataPlane() DataPlane {
	return &nullDataPlane{}
}

func (ndp *nullDataPlane) NewTunnel(cfg *TunnelDataPlaneConfig, fd int) (TunnelDataPlane, error) {
	return &nullTunnelDataPlane{}, nil
}

func (ndp *nullDataPlane) Close() {
}

func (tdp *nullTunnelDataPlane) Down() error {
	return nil
}
