package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/zhukovaskychina/xgp-server/initdb"
	"github.com/zhukovaskychina/xgp-server/logger"
	"github.com/zhukovaskychina/xgp-server/server/conf"
	"github.com/zhukovaskychina/xgp-server/server/dispatcher"
)

const help = `
******************************************************************************************
*  xgp-server: persistent file-system object layer of an MPP database
******************************************************************************************
*帮助:
*1. -- help
*2. -- configPath   指定 xgp.ini 配置文件
*3. -- initialize   初始化数据目录后退出
******************************************************************************************
`

func main() {
	var (
		configPath string
		initialize bool
		showHelp   bool
	)
	flag.StringVar(&configPath, "configPath", "", "配置文件路径")
	flag.BoolVar(&initialize, "initialize", false, "初始化数据目录")
	flag.BoolVar(&showHelp, "help", false, "帮助")
	flag.Parse()
	if showHelp {
		fmt.Print(help)
		return
	}

	config, err := conf.NewCfg().Load(&conf.CommandLineArgs{ConfigPath: configPath})
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	if err := logger.InitLogger(config.LogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.Infof("Logger initialized successfully with level: %s", config.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if initialize {
		if err := initdb.InitDBDir(ctx, config); err != nil {
			logger.Fatalf("initdb failed: %v", err)
		}
		logger.Info("data directories initialized")
		return
	}

	coord, segs, err := initdb.Nodes(config)
	if err != nil {
		logger.Fatalf("cluster layout: %v", err)
	}
	cluster := dispatcher.NewCluster(coord, segs, config.DDLWorkers)
	if err := cluster.Start(ctx); err != nil {
		logger.Fatalf("start cluster: %v", err)
	}
	logger.Infof("cluster started: coordinator %s, %d segments", coord.DataDir, len(segs))

	go cluster.Supervise(ctx, config.SuperviseIntervalDuration)
	<-ctx.Done()

	logger.Info("shutting down")
	if err := cluster.Stop(); err != nil {
		logger.Errorf("shutdown: %v", err)
		os.Exit(1)
	}
}
