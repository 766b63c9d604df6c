package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingModule struct {
	name     string
	priority int
	order    *[]string
}

func (m *recordingModule) Name() string  { return m.name }
func (m *recordingModule) Priority() int { return m.priority }
func (m *recordingModule) Init(ctx *ModuleContext) error {
	*m.order = append(*m.order, m.name)
	return nil
}

func TestInitModulesOrder(t *testing.T) {
	saved := moduleRegistry
	moduleRegistry = make(map[string]Module)
	defer func() { moduleRegistry = saved }()

	var order []string
	Register(&recordingModule{name: "common", priority: 100, order: &order})
	Register(&recordingModule{name: "coupon", priority: 10, order: &order})
	Register(&recordingModule{name: "audit", priority: 10, order: &order})

	err := InitModules(&ModuleContext{})

	assert.NoError(t, err)
	assert.Equal(t, []string{"audit", "coupon", "common"}, order)
}

func TestShutdownOrder(t *testing.T) {
	var order []string
	ctx := &ModuleContext{}
	ctx.OnShutdown(func() { order = append(order, "first") })
	ctx.OnShutdown(func() { order = append(order, "second") })

	ctx.Shutdown()
	ctx.Shutdown()

	assert.Equal(t, []string{"second", "first"}, order)
}
