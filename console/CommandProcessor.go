package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"sproutling/arduino/handler"
	"sproutling/notify"
	"sproutling/store"
)

// Controller はコンソールから操作するコントローラー接続
type Controller interface {
	State() handler.ConnectionState
	Status() handler.StatusReport
	Address() string
	Connect(ctx context.Context) handler.ConnectionState
	RefreshStatus(ctx context.Context) (handler.StatusReport, bool)
	WaterPlant(ctx context.Context) handler.WaterResult
	SetManualAddress(address string) error
}

// Garden は植物と設定の保存先
type Garden interface {
	ListPlants() ([]handler.PlantRecord, error)
	AddPlant(name, species string) (store.Plant, error)
	RemovePlant(name string) error
	SetCheckIntervalMinutes(minutes int) error
	SetNotificationEnabled(kind string, enabled bool) error
	Snapshot(kinds []string) (store.Settings, error)
}

// CommandProcessor は、コマンド処理を担当する構造体
type CommandProcessor struct {
	controller Controller
	garden     Garden
	out        io.Writer

	// OnIntervalChanged はチェック間隔が変わったときに呼ばれる
	OnIntervalChanged func()

	cmdChan  chan *Command
	done     chan struct{}
	stopOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewCommandProcessor は、CommandProcessor の新しいインスタンスを作成する
func NewCommandProcessor(ctx context.Context, controller Controller, garden Garden, out io.Writer) *CommandProcessor {
	processorCtx, cancel := context.WithCancel(ctx)
	return &CommandProcessor{
		controller: controller,
		garden:     garden,
		out:        out,
		cmdChan:    make(chan *Command),
		done:       make(chan struct{}),
		ctx:        processorCtx,
		cancel:     cancel,
	}
}

// Start は、コマンド処理を開始する
func (p *CommandProcessor) Start() {
	go p.processCommands()
}

// Stop は、コマンド処理を停止する
func (p *CommandProcessor) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		close(p.cmdChan)
		<-p.done
	})
}

var ErrProcessorStopped = errors.New("command processor stopped")

// SendCommand は、コマンドを送信し、結果のエラーを返す
func (p *CommandProcessor) SendCommand(cmd *Command) error {
	select {
	case p.cmdChan <- cmd:
	case <-p.done:
		return ErrProcessorStopped
	}
	<-cmd.Done
	return cmd.Error
}

// processCommands は、コマンドを処理するgoroutine
func (p *CommandProcessor) processCommands() {
	defer close(p.done)

	for cmd := range p.cmdChan {
		if p.ctx.Err() != nil {
			cmd.Error = ErrProcessorStopped
			close(cmd.Done)
			continue
		}
		cmd.Error = p.execute(cmd)
		close(cmd.Done)
	}
}

func (p *CommandProcessor) execute(cmd *Command) error {
	switch cmd.Type {
	case CmdQuit:
		return nil
	case CmdHelp:
		PrintUsage(p.out, cmd.HelpTopic)
		return nil
	case CmdStatus:
		p.printStatus(p.controller.Status())
		return nil
	case CmdConnect:
		state := p.controller.Connect(p.ctx)
		fmt.Fprintf(p.out, "%s %s\n", state, p.controller.Address())
		if state != handler.Connected {
			return errors.New("コントローラーに接続できませんでした")
		}
		return nil
	case CmdRefresh:
		report, ok := p.controller.RefreshStatus(p.ctx)
		if !ok {
			return fmt.Errorf("controller is %s", p.controller.State())
		}
		p.printStatus(report)
		return nil
	case CmdWater:
		return p.processWaterCommand()
	case CmdPlants:
		return p.processPlantsCommand()
	case CmdAddPlant:
		plant, err := p.garden.AddPlant(cmd.Plant, cmd.Species)
		if err != nil {
			return err
		}
		fmt.Fprintf(p.out, "%s を登録しました\n", plant.Name)
		return nil
	case CmdRemovePlant:
		if err := p.garden.RemovePlant(cmd.Plant); err != nil {
			return err
		}
		fmt.Fprintf(p.out, "%s を削除しました\n", cmd.Plant)
		return nil
	case CmdAddress:
		if err := p.controller.SetManualAddress(cmd.Address); err != nil {
			return err
		}
		if cmd.Address == "" {
			fmt.Fprintln(p.out, "手動アドレスをクリアしました")
		} else {
			fmt.Fprintf(p.out, "手動アドレスを %s に設定しました\n", cmd.Address)
		}
		return nil
	case CmdInterval:
		if err := p.garden.SetCheckIntervalMinutes(cmd.Minutes); err != nil {
			return err
		}
		if p.OnIntervalChanged != nil {
			p.OnIntervalChanged()
		}
		fmt.Fprintf(p.out, "チェック間隔を %d 分に設定しました\n", cmd.Minutes)
		return nil
	case CmdNotify:
		if err := p.garden.SetNotificationEnabled(string(cmd.Kind), cmd.Enabled); err != nil {
			return err
		}
		fmt.Fprintf(p.out, "%s: %s\n", cmd.Kind, onOff(cmd.Enabled))
		return nil
	case CmdSettings:
		return p.processSettingsCommand()
	}
	return fmt.Errorf("unhandled command type: %d", cmd.Type)
}

func (p *CommandProcessor) printStatus(r handler.StatusReport) {
	plant := r.Plant
	if plant == "" {
		plant = "-"
	}
	fmt.Fprintf(p.out, "state:        %s\n", r.State)
	fmt.Fprintf(p.out, "address:      %s\n", p.controller.Address())
	fmt.Fprintf(p.out, "plant:        %s\n", plant)
	fmt.Fprintf(p.out, "moisture:     %s (%s)\n", r.Moisture, notify.ClassifyMoisture(r.Moisture))
	fmt.Fprintf(p.out, "last watered: %s\n", r.LastWatered)
}

func (p *CommandProcessor) processWaterCommand() error {
	result := p.controller.WaterPlant(p.ctx)
	if !result.Delivered() {
		return errors.New(result.Message)
	}
	fmt.Fprintf(p.out, "%s: %s (last watered %s)\n", result.Plant, result.Message, result.LastWatered)
	return nil
}

func (p *CommandProcessor) processPlantsCommand() error {
	plants, err := p.garden.ListPlants()
	if err != nil {
		return err
	}
	if len(plants) == 0 {
		fmt.Fprintln(p.out, "植物が登録されていません")
		return nil
	}
	for _, plant := range plants {
		line := plant.Name
		if plant.Species != "" {
			line += " [" + plant.Species + "]"
		}
		if plant.Moisture != "" {
			line += fmt.Sprintf(" moisture=%s", plant.Moisture)
		}
		if plant.LastWatered != "" {
			line += fmt.Sprintf(" lastWatered=%s", plant.LastWatered)
		}
		fmt.Fprintln(p.out, line)
	}
	return nil
}

func (p *CommandProcessor) processSettingsCommand() error {
	s, err := p.garden.Snapshot(notify.KindNames())
	if err != nil {
		return err
	}
	address := s.ManualAddress
	if address == "" {
		address = "(auto)"
	}
	fmt.Fprintf(p.out, "manual address: %s\n", address)
	fmt.Fprintf(p.out, "check interval: %d min\n", s.CheckIntervalMinutes)
	fmt.Fprintf(p.out, "last subnet:    %s\n", s.LastSubnet)
	kinds := make([]string, 0, len(notify.Kinds))
	for _, k := range notify.KindNames() {
		kinds = append(kinds, fmt.Sprintf("%s=%s", k, onOff(s.Notifications[k])))
	}
	fmt.Fprintf(p.out, "notifications:  %s\n", strings.Join(kinds, " "))
	return nil
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
